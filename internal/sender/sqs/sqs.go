package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/mickamy/notifybox"
	internalSQS "github.com/mickamy/notifybox/internal/lib/aws/sqs"
)

// API is the subset of *sqs.Client the sender uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Sender pushes notifications to an SQS queue (works with LocalStack).
type Sender struct {
	queueURL string
	client   API
}

// NewSender creates an SQS client for region/endpoint targeting queueURL.
func NewSender(ctx context.Context, region, endpointURL, queueURL string) (*Sender, error) {
	client, err := internalSQS.New(ctx, region, endpointURL)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, queueURL), nil
}

func NewWithClient(client API, queueURL string) *Sender {
	return &Sender{queueURL: queueURL, client: client}
}

// Message is the JSON body written to the queue.
type Message struct {
	EntryID   int64            `json:"outbox_id"`
	Retry     int              `json:"retry_count"`
	Result    notifybox.Result `json:"result"`
	ReportURL string           `json:"report_url,omitempty"`
}

// Send implements notifybox.Sender.
func (s *Sender) Send(ctx context.Context, n notifybox.Notification) error {
	body, err := json.Marshal(Message{
		EntryID:   n.Entry.ID,
		Retry:     n.Entry.RetryCount,
		Result:    n.Result,
		ReportURL: n.Result.ReportURL(),
	})
	if err != nil {
		return err
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"aggregate_type": {DataType: aws.String("String"), StringValue: aws.String(n.Entry.AggregateType)},
			"outbox_id":      {DataType: aws.String("Number"), StringValue: aws.String(strconv.FormatInt(n.Entry.ID, 10))},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send message: %w", err)
	}
	return nil
}
