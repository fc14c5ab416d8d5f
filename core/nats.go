package core

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/notifyrelay/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS server with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS client shared by all NATS subscriber handles
type NatsClient struct {
	common.Component
	nc           *nats.Conn
	flushTimeout time.Duration
}

// defaultFlushTimeout flush bound used when no connect timeout is configured
const defaultFlushTimeout = time.Second * 5

// Flush wait for the server to process everything sent so far
//
// The wait is bounded by the connect timeout unless the caller's context
// carries an earlier deadline.
func (c *NatsClient) Flush(ctxt context.Context) error {
	flushCtxt, cancel := context.WithTimeout(ctxt, c.flushTimeout)
	defer cancel()
	return c.nc.FlushWithContext(flushCtxt)
}

// Close close the NATS client
func (c *NatsClient) Close(ctxt context.Context) {
	if c.nc.IsConnected() {
		if err := c.Flush(ctxt); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
		}
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// NATs fetch the NATS connection
func (c *NatsClient) NATs() *nats.Conn {
	return c.nc
}

// Ping verify the NATS server is reachable
func (c *NatsClient) Ping(ctxt context.Context) error {
	if c.nc.Status() != nats.CONNECTED {
		return fmt.Errorf("nats client status %d", c.nc.Status())
	}
	return c.Flush(ctxt)
}

// GetNATSClient define a new NATS client
//
// The client keeps retrying the initial connection in the background, so an
// unreachable server does not fail this call.
func GetNATSClient(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-backend",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	flushTimeout := param.ConnectTimeout
	if flushTimeout <= 0 {
		flushTimeout = defaultFlushTimeout
	}
	log.WithFields(logTags).Info("Created NATS client")
	return &NatsClient{
		Component:    common.Component{LogTags: logTags},
		nc:           nc,
		flushTimeout: flushTimeout,
	}, nil
}
