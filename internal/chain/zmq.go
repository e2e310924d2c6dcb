package chain

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/junocash/jmined/pkg/errors"
	"github.com/junocash/jmined/pkg/log"
)

// ZMQ topics published by the node.
const (
	TopicHashBlock = "hashblock"
	TopicHashTx    = "hashtx"
)

// TipNotifier subscribes to the node's ZMQ publisher and dispatches tip
// and mempool change notifications. It lets the mining coordinator abandon
// stale work promptly instead of waiting for the next poll.
type TipNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewTipNotifier creates a notifier for the given ZMQ endpoint
// (e.g. "tcp://127.0.0.1:28332").
func NewTipNotifier(endpoint string, logger *log.Logger) (*TipNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket",
			"failed to create ZMQ socket")
	}

	return &TipNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("tip_notifier"),
	}, nil
}

// Connect connects the socket and subscribes to block and tx hash topics.
func (n *TipNotifier) Connect() error {
	if err := n.socket.Connect(n.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_connect",
			"failed to connect to ZMQ endpoint").
			WithContext("endpoint", n.endpoint)
	}

	for _, topic := range []string{TopicHashBlock, TopicHashTx} {
		if err := n.socket.SetSubscribe(topic); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_subscribe",
				"failed to subscribe to ZMQ topic").
				WithContext("topic", topic)
		}
	}

	n.logger.Info("connected to ZMQ endpoint", "endpoint", n.endpoint)
	return nil
}

// Listen receives notifications until the context is canceled, dispatching
// each to the handler. Handler errors are logged, not fatal; a dropped
// notification is recovered by the next poll cycle.
func (n *TipNotifier) Listen(ctx context.Context, handler TipHandler) error {
	n.logger.Info("starting ZMQ listener")

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := n.socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			if err.Error() == "resource temporarily unavailable" {
				time.Sleep(20 * time.Millisecond)
				continue
			}
			n.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		if len(msg) < 2 {
			n.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		if err := dispatch(handler, string(msg[0]), msg[1]); err != nil {
			n.logger.Error("failed to handle ZMQ message",
				"topic", string(msg[0]), "error", err)
		}
	}
}

// Close closes the ZMQ socket.
func (n *TipNotifier) Close() error {
	if n.socket != nil {
		return n.socket.Close()
	}
	return nil
}

// TipHandler receives decoded tip notifications.
type TipHandler interface {
	OnNewBlock(hash chainhash.Hash)
	OnNewTx(txid chainhash.Hash)
}

// dispatch decodes a raw ZMQ message and routes it to the handler.
func dispatch(handler TipHandler, topic string, data []byte) error {
	switch topic {
	case TopicHashBlock:
		hash, err := chainhash.NewHash(data)
		if err != nil {
			return errors.NewDecode("zmq_dispatch", "failed to decode block hash payload").
				WithContext("payload_size", len(data))
		}
		handler.OnNewBlock(*hash)

	case TopicHashTx:
		hash, err := chainhash.NewHash(data)
		if err != nil {
			return errors.NewDecode("zmq_dispatch", "failed to decode tx hash payload").
				WithContext("payload_size", len(data))
		}
		handler.OnNewTx(*hash)

	default:
		// Unknown topics are ignored; the subscription list bounds what
		// the node sends here.
	}
	return nil
}
