// Package conversation manages session lifecycle: resolving which
// conversation an inbound message belongs to, retiring idle conversations,
// and moving ownership between the bot and human agents.
package conversation
