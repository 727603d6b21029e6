// Package dimgroup implements the server-side group bots of a DIM network.
//
// DIM group messages are end-to-end encrypted: a sender encrypts the
// message once with a symmetric key, wraps that key for every member, and
// sends the bundle to an assistant bot. The bots in this package never see
// plaintext. The assistant splits the bundle into per-member copies, each
// carrying exactly the one wrapped key its receiver can open, forwards
// copies to members that are online, and parks copies in a Redis inbox for
// members that vanished. The usher bot watches the same liveness feed and
// invites returning strangers into a configured group.
//
// # Getting Started
//
// Wire an assistant with an Options bundle and feed it a station link:
//
//	rdb, err := storage.Dial(ctx, "localhost:6379", "", 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	var engine *dimgroup.Engine
//	link := station.NewClient("127.0.0.1:9394", func(msg *protocol.ReliableMessage) {
//	    engine.Receive(msg)
//	})
//
//	engine, err = dimgroup.New(dimgroup.Options{
//	    BotID:     botID,
//	    Transport: link,
//	    Redis:     rdb,
//	    Members:   storage.NewMemberTable(rdb),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine.Start()
//	defer engine.Stop()
//	link.Start()
//	defer link.Stop()
//
// The cmd/assistant and cmd/usher executables do exactly this, plus config
// loading and signal handling.
//
// # Core Components
//
// The Engine bundle exposes the pipeline stages:
//
//   - [Engine]: dependency-injection bundle, owns the worker lifecycles
//   - [Options]: external collaborators (transport, Redis, member source)
//   - [StationMessenger]: packs outbound contents, routes inbound frames
//   - fanout.ForwardProcessor: unwraps forward bundles from senders
//   - fanout.Handler: splits group messages into per-member copies
//   - fanout.Distributor: delivers copies or parks them in the inbox
//   - keystore.Manager: merges and serves wrapped-key tables
//   - presence.Footprint: tracks who was seen when
//   - service.Service: text commands and liveness reports
//
// # Message Flow
//
// A group message arrives as a ForwardContent addressed to the bot. The
// forward processor validates and unwraps it, the handler checks the
// sender against the group roster, saves the wrapped-key table, and emits
// one copy per member:
//
//	sender  → bot     : forward { group msg, keys: {member: wrapped key, ...} }
//	bot     → member  : forward { copy, key: that member's wrapped key }
//
// Copies for vanished members wait in Redis until a station liveness
// report brings the member back.
//
// # Key Exchange
//
// When the sender's key table misses members, the bot queries the sender;
// members missing their own key ask the bot. Both run over customized
// contents in the "chat.dim.group"/"keys" namespace:
//
//	bot    → sender : "query"   digest + missing members
//	sender → bot    : "update"  refreshed table
//	member → bot    : "request" own wrapped key
//	bot    → member : "respond" wrapped key + digest
//
// # Liveness
//
// Stations post "chat.dim.monitor"/"users" reports naming users seen
// recently. The service feeds them into the Footprint, wakes the
// distributor for users with parked messages, and fires the OnNewUser
// callbacks. Register one with:
//
//	engine.OnNewUser(func(id protocol.ID) {
//	    // user came back online
//	})
//
// # Storage
//
// Everything durable lives in Redis: wrapped-key tables per (group,
// sender), one inbox per receiver with a 30-day retention, and the group
// rosters the identity service maintains. The active-users list survives
// restarts in a JSON file (see storage.ActiveUserFile).
package dimgroup
