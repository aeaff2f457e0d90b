package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "keepcore", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled, "telemetry must be opt-in, not on by default")
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestNewProviderNilConfigDefaultsToDisabled(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTrackPipelineRecordsAllowWithoutPanicking(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackPipeline(context.Background(), "caller-a", "sign_event")
	require.NotNil(t, ctx)

	time.Sleep(time.Millisecond)
	finish("allow", "", nil)
}

func TestTrackPipelineRecordsDenyWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackPipeline(context.Background(), "caller-a", "get_public_key")
	finish("deny", "rate_limited", errors.New("rate limited"))
}

func TestRecordRateLimitRejectionDoesNotPanicWhenDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	p.RecordRateLimitRejection(context.Background(), "caller-a")
}

func TestRecordVelocityBlockDoesNotPanicWhenDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	p.RecordVelocityBlock(context.Background(), "caller-a")
}

func TestRecordAuditVerificationDoesNotPanicWhenDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	p.RecordAuditVerification(context.Background(), 42)
}

func TestShutdownOnDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestDecisionAttrsShapesAllFields(t *testing.T) {
	attrs := DecisionAttrs("caller-a", "sign_event", "allow", "", true)
	require.Len(t, attrs, 5)
	require.Equal(t, "keepcore.caller", string(attrs[0].Key))
	require.Equal(t, "caller-a", attrs[0].Value.AsString())
	require.Equal(t, "keepcore.automatic", string(attrs[4].Key))
	require.Equal(t, true, attrs[4].Value.AsBool())
}
