/*
Package signalr provides the client side of the ASP.NET Core SignalR JSON hub
protocol.

The reference for how this all works is the protocol description in the
ASP.NET Core repository:
https://github.com/dotnet/aspnetcore/tree/main/src/SignalR/docs/specs

At a high level, a connection goes through the following steps:

  - negotiate: POST to {hub}/negotiate to learn the connection token and the
    transports the server offers (skippable for WebSockets)
  - connect: open the transport, one of WebSockets, Server-Sent Events or
    Long Polling
  - handshake: select the JSON protocol and wait for the server's answer

Once connected, Invoke calls hub methods, On registers handlers for methods
the server calls on the client, and Stop closes the connection. A lost
connection is retried using ReconnectDelays; OnReconnecting, OnReconnected
and OnClose report the transitions.

Callbacks and handlers run on the connection's own goroutines. They must not
call Stop and wait for it to return.

See the provided examples for how to use this library.
*/
package signalr
