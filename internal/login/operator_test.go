package login

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWSOperator_AbandonDropsPending(t *testing.T) {
	o := NewWSOperator(nil)
	o.pending["ch-1"] = make(chan Confirmation, 1)

	o.Abandon("ch-1")

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.pending)
}

func TestWSOperator_ConfirmationForAbandonedChallengeIgnored(t *testing.T) {
	o := NewWSOperator(nil)
	ch := make(chan Confirmation, 1)
	o.pending["ch-1"] = ch
	o.Abandon("ch-1")

	o.deliver(Confirmation{ChallengeID: "ch-1", Accepted: true})

	assert.Empty(t, ch, "a late confirmation must not reach an abandoned wait")
}
