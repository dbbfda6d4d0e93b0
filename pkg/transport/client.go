/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	daoerrors "github.com/parafs/mds/internal/errors"
	"github.com/parafs/mds/pkg/dao/types"
)

// Client delivers frames to peer servers. Each peer sits behind its own
// circuit breaker so a dead server does not slow every protocol step; an
// open breaker surfaces as a no-socket send error, which the engine answers
// by refreshing the peer address and retrying.
type Client struct {
	self       types.ServerAddress
	httpClient *http.Client
	logger     *zap.Logger

	mu       sync.Mutex
	breakers map[types.ServerAddress]*gobreaker.CircuitBreaker
}

// NewClient builds a send client identifying itself as self.
func NewClient(self types.ServerAddress, logger *zap.Logger) *Client {
	return &Client{
		self: self,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:   logger.Named("transport"),
		breakers: make(map[types.ServerAddress]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(addr types.ServerAddress) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(addr),
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("peer breaker state changed",
				zap.String("peer", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[addr] = cb
	return cb
}

// Send implements the engine's Sender contract.
func (c *Client) Send(ctx context.Context, to types.ServerAddress, frame []byte) error {
	cb := c.breakerFor(to)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, to, frame)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return daoerrors.NewSendError(0, daoerrors.SendKindNoSocket, err)
	}
	if err != nil {
		return daoerrors.NewSendError(0, daoerrors.SendKindFailed, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, to types.ServerAddress, frame []byte) error {
	url := fmt.Sprintf("http://%s/dao/v1/events", to)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderSender, string(c.self))
	req.Header.Set(HeaderModule, strconv.Itoa(int(ModuleDistributedAtomicOp)))
	req.Header.Set(HeaderCorrelation, strconv.FormatUint(CorrelationRequest, 10))
	req.Header.Set(HeaderSentAt, strconv.FormatInt(time.Now().UnixMilli(), 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer %s answered %d", to, resp.StatusCode)
	}
	return nil
}
