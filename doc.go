// Package spalloc is a client for spalloc board-allocation servers: it
// requests an allocation of SpiNNaker boards, keeps the resulting job alive
// in the background, and exposes the allocation's connection details once
// boards are powered and ready.
//
// Copyright (C) 2026 Michel Blomgren <https://pkt.systems>
//
// # Allocating boards
//
// A Job is created against a server and owner taken from a Config, either
// built literally or merged from INI files with LoadConfig. Creation returns
// as soon as the server has queued the request; WaitUntilReady blocks until
// boards are allocated and powered.
//
//	cfg := spalloc.Config{Hostname: "spalloc.example.com", Owner: "me@example.com"}
//	job, err := spalloc.NewJob(ctx, cfg, spalloc.CreateRequest{Boards: 3})
//	if err != nil { log.Fatal(err) }
//	defer job.Destroy(ctx, "done")
//	if err := job.WaitUntilReady(ctx, time.Minute); err != nil { log.Fatal(err) }
//	hostname, err := job.Hostname(ctx)
//
// While the Job is open a background goroutine sends keepalives at half the
// configured interval and redials after connection faults, so the server does
// not reclaim the boards during long-running work. Close detaches from the
// job and lets it lapse on the server; Destroy frees the boards immediately.
//
// The scoped form ties the job's lifetime to a function:
//
//	err := spalloc.WithJob(ctx, cfg, spalloc.CreateRequest{Boards: 1}, time.Minute,
//	    func(ctx context.Context, job *spalloc.Job) error {
//	        hostname, err := job.Hostname(ctx)
//	        ...
//	    })
//
// # Lower layers
//
// The protocol package speaks the raw line protocol (one JSON object per
// line over TCP) for callers that need the full command surface: listing
// jobs and machines, resolving board locations with where_is, or watching
// machine-level change notifications. The api package holds the wire types
// shared by both layers.
package spalloc
