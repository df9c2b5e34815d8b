package keyex

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/crypto"
)

// ErrWorkerClosed indicates a derivation was requested after the worker
// stopped.
var ErrWorkerClosed = errors.New("derive worker is closed")

type deriveRequest struct {
	passphrase string
	salt       []byte
	reply      chan deriveResult
}

type deriveResult struct {
	identity *crypto.IdentityHash
	err      error
}

// DeriveWorker runs the memory-hard Argon2id identity derivation on a
// dedicated goroutine so it never blocks event dispatch. Callers communicate
// with it only through request/response messages; no state is shared.
type DeriveWorker struct {
	requests chan deriveRequest
	done     chan struct{}
}

// NewDeriveWorker starts the worker goroutine.
func NewDeriveWorker() *DeriveWorker {
	w := &DeriveWorker{
		requests: make(chan deriveRequest),
		done:     make(chan struct{}),
	}
	go w.run()

	logrus.WithFields(logrus.Fields{
		"function": "NewDeriveWorker",
	}).Debug("KDF worker started")

	return w
}

func (w *DeriveWorker) run() {
	for {
		select {
		case req := <-w.requests:
			identity, err := crypto.DeriveIdentityHash(req.passphrase, req.salt)
			req.reply <- deriveResult{identity: identity, err: err}
		case <-w.done:
			return
		}
	}
}

// Derive requests an identity derivation and waits for the single response.
// The context bounds the wait, not the derivation itself; a cancelled caller
// leaves the worker free for the next request.
func (w *DeriveWorker) Derive(ctx context.Context, passphrase string, salt []byte) (*crypto.IdentityHash, error) {
	select {
	case <-w.done:
		return nil, ErrWorkerClosed
	default:
	}

	req := deriveRequest{
		passphrase: passphrase,
		salt:       salt,
		reply:      make(chan deriveResult, 1),
	}

	select {
	case w.requests <- req:
	case <-w.done:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.identity, res.err
	case <-w.done:
		// The request may have been accepted right as the worker shut down;
		// prefer a completed result if one already landed.
		select {
		case res := <-req.reply:
			return res.identity, res.err
		default:
			return nil, ErrWorkerClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the worker. Requests in flight complete; later requests fail
// with ErrWorkerClosed.
func (w *DeriveWorker) Close() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}
