package args

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrArgNotFound is returned when an argument id is not in the draft.
var ErrArgNotFound = errors.New("argument not found")

// Draft is the list of arguments being edited for the next invocation. It is
// not safe for concurrent use.
type Draft struct {
	list []Arg
}

// Add appends an empty text argument and returns it.
func (d *Draft) Add() Arg {
	a := Arg{ID: uuid.NewString(), Type: Text}
	d.list = append(d.list, a)
	return a
}

// Append adds an argument with a fresh id.
func (d *Draft) Append(a Arg) Arg {
	a.ID = uuid.NewString()
	d.list = append(d.list, a)
	return a
}

// Remove drops the argument with the id. Unknown ids are ignored.
func (d *Draft) Remove(id string) {
	for i, a := range d.list {
		if a.ID == id {
			d.list = append(d.list[:i:i], d.list[i+1:]...)
			return
		}
	}
}

// SetType changes the type of the argument, keeping its text.
func (d *Draft) SetType(id string, t Type) error {
	return d.update(id, func(a *Arg) { a.Type = t })
}

// SetValue replaces the text of the argument.
func (d *Draft) SetValue(id, value string) error {
	return d.update(id, func(a *Arg) { a.Value = value })
}

func (d *Draft) update(id string, fn func(*Arg)) error {
	for i := range d.list {
		if d.list[i].ID == id {
			fn(&d.list[i])
			return nil
		}
	}

	return errors.Wrapf(ErrArgNotFound, "id %s", id)
}

// Reset empties the draft.
func (d *Draft) Reset() {
	d.list = nil
}

// Load replaces the draft with copies of historical arguments. Every copy gets
// a new id so edits never touch the history.
func (d *Draft) Load(historical []Arg) {
	d.list = make([]Arg, 0, len(historical))
	for _, a := range historical {
		d.Append(a)
	}
}

// Args returns a copy of the arguments in order.
func (d *Draft) Args() []Arg {
	return append([]Arg(nil), d.list...)
}

// Len returns the number of arguments.
func (d *Draft) Len() int {
	return len(d.list)
}

// At returns the argument at the zero based index.
func (d *Draft) At(i int) (Arg, bool) {
	if i < 0 || i >= len(d.list) {
		return Arg{}, false
	}

	return d.list[i], true
}
