package routing

import (
	"fmt"

	"go-gateway/pkg/models"
)

// Acceptor decides whether a connector wants a message. It must not mutate the message.
type Acceptor interface {
	Accepts(msg *models.Message) (bool, error)
}

type AcceptorFunc func(msg *models.Message) (bool, error)

func (f AcceptorFunc) Accepts(msg *models.Message) (bool, error) {
	return f(msg)
}

// evaluateAcceptor converts panics into errors.
func evaluateAcceptor(a Acceptor, msg *models.Message) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("acceptor panicked: %v", r)
		}
	}()
	return a.Accepts(msg)
}
