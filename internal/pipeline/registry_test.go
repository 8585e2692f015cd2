package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/worker"
)

func recordPublishedGroups(regs []Registration) []string {
	var groups []string

	for _, reg := range regs {
		if reg.EventType == domain.TypeRecordPublished {
			groups = append(groups, reg.ConsumerGroup)
		}
	}

	return groups
}

func TestRegistrations_RecordPublishedFanOut(t *testing.T) {
	h := NewHandlers(HandlerDeps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	stub := worker.HandlerFunc(func(context.Context, *domain.Event) error { return nil })

	// Every published record fans out to four consumer groups.
	assert.ElementsMatch(t,
		[]string{GroupInsertFeatures, GroupIndexFanOut, GroupKeywordIndex, GroupVectorIndex},
		recordPublishedGroups(Registrations(h, stub, stub)),
	)

	// Without a broker the per-topic groups drop out; the audit group stays.
	assert.ElementsMatch(t,
		[]string{GroupInsertFeatures, GroupIndexFanOut},
		recordPublishedGroups(Registrations(h, nil, nil)),
	)
}
