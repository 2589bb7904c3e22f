package types

// Server -> Client (websocket, /ws?shard=N&player_id=X)
// presence_sync:
//   members: Player[] // full snapshot, sent once on subscribe
//
// presence_join:
//   player: Player
//
// presence_leave:
//   player_id: string
//
// challenge_offer:
//   offer: { offer_id, challenger_id, opponent_id, topic?, question_count, expires_at }
//
// challenge_response:
//   response: { offer_id, accepted, session_id? }
//
// Player:
//   player_id, display_name, avatar_ref?, shard, rating, preferred_topic?, status

// Client -> Server (websocket)
// heartbeat: {}
//
// Everything else goes over http; ws events are hints, the http api is the
// source of truth. A client that missed an event re-queries:
//   GET /lobby/{shard}/members
//   GET /challenges/{id}
//   GET /sessions/{id}
