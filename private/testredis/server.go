// Package testredis starts an in-process redis server for tests.
package testredis

import (
	"context"

	"github.com/alicebob/miniredis/v2"

	"github.com/icefunicu/cloudpan/private/redis"
)

// Start runs an in-process miniredis instance and returns its address and a
// cleanup function.
func Start() (addr string, cleanup func(), err error) {
	server, err := miniredis.Run()
	if err != nil {
		return "", nil, err
	}
	return server.Addr(), server.Close, nil
}

// Client runs an in-process miniredis instance and returns a connected
// client. The cleanup function closes both.
func Client(ctx context.Context) (_ *redis.Client, cleanup func(), err error) {
	addr, stop, err := Start()
	if err != nil {
		return nil, nil, err
	}

	client, err := redis.OpenClient(ctx, addr, "", 0)
	if err != nil {
		stop()
		return nil, nil, err
	}

	return client, func() {
		_ = client.Close()
		stop()
	}, nil
}
