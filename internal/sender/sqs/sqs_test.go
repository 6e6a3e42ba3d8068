package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/notifybox"
)

type fakeAPI struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeAPI) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSendWritesNotification(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	s := NewWithClient(api, "http://localhost:4566/000000000000/notifications")

	err := s.Send(context.Background(), notifybox.Notification{
		Entry:  notifybox.Entry{ID: 5, AggregateType: notifybox.AggregateTypeResult, AggregateID: 8, RetryCount: 2},
		Result: notifybox.Result{ID: 8, PRNumber: 3, Repo: "acme/web"},
	})
	require.NoError(t, err)
	require.Len(t, api.inputs, 1)

	in := api.inputs[0]
	assert.Equal(t, "http://localhost:4566/000000000000/notifications", aws.ToString(in.QueueUrl))
	assert.Equal(t, "result", aws.ToString(in.MessageAttributes["aggregate_type"].StringValue))
	assert.Equal(t, "5", aws.ToString(in.MessageAttributes["outbox_id"].StringValue))

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &msg))
	assert.Equal(t, int64(5), msg.EntryID)
	assert.Equal(t, 2, msg.Retry)
	assert.Equal(t, "acme/web", msg.Result.Repo)
	assert.Equal(t, "https://github.com/acme/web/pull/3", msg.ReportURL)
}

func TestSendPropagatesErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("queue does not exist")
	s := NewWithClient(&fakeAPI{err: boom}, "q")

	err := s.Send(context.Background(), notifybox.Notification{Entry: notifybox.Entry{ID: 1}})
	assert.ErrorIs(t, err, boom)
}
