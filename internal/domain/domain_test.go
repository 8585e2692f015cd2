package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_RoundTrip(t *testing.T) {
	payload := &ValidationRequested{
		DepositionSRN: "urn:osa:pdb:dep:d1",
		RunSRN:        "urn:osa:pdb:val:v1",
		Hooks: []HookSnapshot{
			{Definition: HookDefinition{
				Image:  "registry.osa.io/hooks/pocket-detect:1.2",
				Digest: "sha256:ab12",
				Manifest: HookManifest{
					Name:        "pocket_detect",
					Cardinality: CardinalityMany,
				},
			}},
		},
	}

	event, err := NewEvent(payload)

	require.NoError(t, err)
	assert.Equal(t, TypeValidationRequested, event.Type)
	assert.NotEqual(t, event.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.False(t, event.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, event.CreatedAt.Location())

	decoded, err := DecodePayload(event)
	require.NoError(t, err)

	got, ok := decoded.(*ValidationRequested)
	require.True(t, ok)
	assert.Equal(t, payload.DepositionSRN, got.DepositionSRN)
	require.Len(t, got.Hooks, 1)
	assert.Equal(t, "pocket_detect", got.Hooks[0].Definition.Manifest.Name)
}

func TestDecodePayload_UnregisteredType(t *testing.T) {
	event := &Event{Type: "NoSuchEvent", Payload: []byte(`{}`)}

	_, err := DecodePayload(event)

	assert.ErrorIs(t, err, ErrValidation)
}

func TestKnownEventType(t *testing.T) {
	for _, name := range []string{
		TypeSourceSyncDue,
		TypeSourceRecordReady,
		TypeDepositionSubmitted,
		TypeValidationRequested,
		TypeValidationSucceeded,
		TypeValidationFailed,
		TypeRecordPublished,
	} {
		assert.True(t, KnownEventType(name), name)
	}

	assert.False(t, KnownEventType("RecordDeleted"))
}

func TestHookDefinition_Validate(t *testing.T) {
	valid := HookDefinition{
		Image:  "registry.osa.io/hooks/pocket-detect:1.2",
		Digest: "sha256:ab12",
		Manifest: HookManifest{
			Name:        "pocket_detect",
			Cardinality: CardinalityMany,
			FeatureSchema: FeatureSchema{Columns: []ColumnDef{
				{Name: "pocket_volume", JSONType: JSONTypeNumber},
				{Name: "detected_at", JSONType: JSONTypeString, Format: "date-time"},
			}},
		},
	}

	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*HookDefinition)
	}{
		{name: "empty image", mutate: func(d *HookDefinition) { d.Image = "" }},
		{name: "empty digest", mutate: func(d *HookDefinition) { d.Digest = "" }},
		{name: "unsafe hook name", mutate: func(d *HookDefinition) { d.Manifest.Name = "Pocket-Detect" }},
		{name: "bad cardinality", mutate: func(d *HookDefinition) { d.Manifest.Cardinality = "some" }},
		{name: "unsafe column name", mutate: func(d *HookDefinition) {
			d.Manifest.FeatureSchema.Columns[0].Name = "volume; DROP TABLE x"
		}},
		{name: "reserved column record_srn", mutate: func(d *HookDefinition) {
			d.Manifest.FeatureSchema.Columns[0].Name = "record_srn"
		}},
		{name: "reserved column id", mutate: func(d *HookDefinition) {
			d.Manifest.FeatureSchema.Columns[0].Name = "id"
		}},
		{name: "duplicate column", mutate: func(d *HookDefinition) {
			d.Manifest.FeatureSchema.Columns[1].Name = d.Manifest.FeatureSchema.Columns[0].Name
		}},
		{name: "unknown json type", mutate: func(d *HookDefinition) {
			d.Manifest.FeatureSchema.Columns[0].JSONType = "decimal"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			d.Manifest.FeatureSchema.Columns = append([]ColumnDef(nil), valid.Manifest.FeatureSchema.Columns...)
			tt.mutate(&d)

			assert.ErrorIs(t, d.Validate(), ErrValidation)
		})
	}
}

func TestLimits_Timeout(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Limits{}.Timeout(5*time.Minute))
	assert.Equal(t, 30*time.Second, Limits{TimeoutSeconds: 30}.Timeout(5*time.Minute))
}

func TestOutcome(t *testing.T) {
	passed := HookResult{Status: HookPassed}
	rejected := HookResult{Status: HookRejected, RejectionReason: "missing coordinates"}
	failed := HookResult{Status: HookFailed, ErrorMessage: "oom"}

	assert.Equal(t, ValidationCompleted, Outcome(nil))
	assert.Equal(t, ValidationCompleted, Outcome([]HookResult{passed, passed}))
	assert.Equal(t, ValidationRejected, Outcome([]HookResult{passed, rejected}))
	assert.Equal(t, ValidationRunFailed, Outcome([]HookResult{rejected, failed}))
	assert.Equal(t, ValidationRunFailed, Outcome([]HookResult{failed, passed}))
}

func TestValidationStatus_Terminal(t *testing.T) {
	assert.False(t, ValidationPending.Terminal())
	assert.False(t, ValidationRunning.Terminal())
	assert.True(t, ValidationCompleted.Terminal())
	assert.True(t, ValidationRejected.Terminal())
	assert.True(t, ValidationRunFailed.Terminal())
}
