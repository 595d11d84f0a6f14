package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lyzr/imageintake/common/errs"
	"github.com/lyzr/imageintake/common/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testJob = &models.ConversionJob{ID: "job-1", Subject: "user-42"}

func TestFailedEventHidesThreatDetails(t *testing.T) {
	blocked := errs.New(errs.KindThreatDetected, errs.CodeUploadRejected, "blocked",
		"rule_id", "polyglot.exec-superglobal", "confidence", "high")
	ev := Failed(testJob, blocked)

	assert.Equal(t, EventFailed, ev.Type)
	assert.Equal(t, "user-42", ev.Subject)
	require.NotNil(t, ev.Failure)
	assert.Equal(t, errs.CodeUploadRejected, ev.Failure.Code)
	assert.Nil(t, ev.Failure.Context)

	payload, err := ev.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "polyglot")

	limit := errs.New(errs.KindConversionFault, errs.CodeFrameLimit, "too many frames", "max_frames", 60)
	ev = Failed(testJob, limit)
	assert.Equal(t, 60, ev.Failure.Context["max_frames"])

	ev = Failed(testJob, errors.New("disk on fire"))
	assert.Equal(t, "internal", ev.Failure.Code)
	assert.NotContains(t, ev.Failure.Message, "disk")
}

func TestRedisNotifierPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	sub := client.Subscribe(ctx, DefaultChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	n := NewRedisNotifier(client, "")
	require.NoError(t, n.Notify(ctx, Completed(testJob, &models.UploadResult{JobID: "job-1", Filename: "a.jpg"})))

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, EventCompleted, ev.Type)
		assert.Equal(t, "a.jpg", ev.Result.Filename)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

type recordingPublisher struct {
	subjects []string
	err      error
}

func (r *recordingPublisher) Publish(subject string, _ []byte) error {
	r.subjects = append(r.subjects, subject)
	return r.err
}

func TestNATSNotifierSubjects(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNATSNotifier(pub, "uploads")
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, Completed(testJob, &models.UploadResult{})))
	require.NoError(t, n.Notify(ctx, Failed(testJob, errors.New("x"))))
	assert.Equal(t, []string{"uploads.completed", "uploads.failed"}, pub.subjects)

	pub.err = errors.New("nats: connection closed")
	assert.Error(t, n.Notify(ctx, Completed(testJob, nil)))
}

func TestMultiJoinsErrors(t *testing.T) {
	var got []string
	ok := Func(func(_ context.Context, ev Event) error {
		got = append(got, ev.JobID)
		return nil
	})
	bad := Func(func(context.Context, Event) error { return errors.New("down") })

	err := Multi{ok, nil, bad, ok, Noop{}}.Notify(context.Background(), Completed(testJob, nil))
	assert.EqualError(t, err, "down")
	assert.Equal(t, []string{"job-1", "job-1"}, got)
}
