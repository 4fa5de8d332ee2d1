// *nearwire* gives small programs a name-based view of the network: you
// publish a logical *name* bound to your own transport address, other
// processes resolve that name, and from there you exchange messages
// directly, without either side ever juggling raw socket addressing.
//
// ## How it works
//
// Everything hangs off a `Network`, the explicit per-process context.
// A producer calls `Network.Advertise` with a logical name; under the
// hood a beacon starts broadcasting `name -> address` datagrams on a
// well-known UDP port at a fixed interval. Consumers call
// `Network.Discover`, which answers from a local last-seen-wins cache
// fed by the beacon listener, blocking up to a caller-chosen deadline
// when the name has not been seen yet.
//
// Once a name is resolved, the beacon is out of the picture. Messaging
// is addressed directly and comes in two flavours:
//
//   - request/reply: `Network.SendMessage` pairs with
//     `Network.WaitForMessage` + `Network.SendReply`, with strict
//     send-then-receive alternation per connection.
//   - notifications: `Network.SendNotification` is fire-and-forget
//     publish, `Network.WaitForNotification` subscribes with a
//     topic-prefix filter.
//
// Sockets are pooled per (role, address) pair and live for the whole
// process; payloads are opaque text.
//
// ## Design Principles
//
// > `nearwire` trades robustness for a *small*, *forgiving* API.
//
// The target environment is a same-subnet network: a classroom, a
// hackday, a home lab. Discovery is a dumb periodic broadcast with
// eventual consistency: advertisements may arrive late, duplicated or
// out of order, and the consumer cache absorbs all of that by simply
// keeping the most recent sighting. There is no consensus, no
// membership protocol, no guaranteed delivery, and deliberately so.
//
// Every blocking operation takes a `Wait` budget. `Forever` blocks
// without a limit; `For(d)` is a real wall-clock deadline after which
// the call fails with a named error and can simply be re-issued.
// Retry policy belongs to the caller, never to the library.
package nearwire
