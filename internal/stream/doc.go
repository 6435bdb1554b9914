// Package stream fans instance output from a daemon connection out to viewers.
//
// Each remote.Connection owns one Multiplexer. Inbound instance/stdout frames
// are handed to Publish, which forwards them to every subscriber registered
// for that instance:
//
//	mux := stream.NewMultiplexer(logger)
//	_ = mux.Subscribe("instance-1", viewer)
//	mux.Publish("instance-1", payload)
//
// Subscribers are identified by ID. Subscribing the same ID twice for an
// instance fails with ErrDuplicateSubscription; unsubscribing from an
// instance nobody ever subscribed to fails with ErrUnknownInstance.
//
// There is no buffering or backpressure here. Publish calls Send inline, so
// a Subscriber must bound the time a single Send can take.
package stream
