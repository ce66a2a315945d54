// Package notify hands (member, entitlement) notices to the delivery
// pipeline. The engine only enqueues; rendering and delivery happen in a
// downstream worker. Delivery is at-least-once and failures never change
// entitlement state.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"entitle/internal/types"
)

// Dispatcher is the engine's view of the notification pipeline.
type Dispatcher interface {
	// Dispatch enqueues one message per notice and returns the per-recipient
	// failures. A non-empty return is not an operation failure: the caller
	// surfaces failures in its summary and moves on.
	Dispatch(ctx context.Context, notices []types.Notice) []types.MemberOutcome
}

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// noticeMessage is the wire shape placed on the queue. The message ID makes
// redelivery detectable by the consumer; the engine itself only promises
// at-least-once.
type noticeMessage struct {
	MessageID string       `json:"message_id"`
	SentAt    time.Time    `json:"sent_at"`
	Notice    types.Notice `json:"notice"`
}

// SQSDispatcher sends notices to an SQS queue behind a circuit breaker so a
// dead queue degrades into per-recipient failures instead of slow timeouts
// on every member of a bulk run.
type SQSDispatcher struct {
	client   SQSSender
	queueURL string
	breaker  *gobreaker.CircuitBreaker[*sqs.SendMessageOutput]
	logger   *slog.Logger
}

// NewSQSDispatcher creates a dispatcher publishing to the given queue URL.
func NewSQSDispatcher(client SQSSender, queueURL string, logger *slog.Logger) *SQSDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[*sqs.SendMessageOutput](gobreaker.Settings{
		Name:        "notify-sqs",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &SQSDispatcher{
		client:   client,
		queueURL: queueURL,
		breaker:  cb,
		logger:   logger,
	}
}

// Dispatch implements Dispatcher. Each notice is sent independently;
// one recipient's failure never blocks the rest.
func (d *SQSDispatcher) Dispatch(ctx context.Context, notices []types.Notice) []types.MemberOutcome {
	var failures []types.MemberOutcome
	for _, notice := range notices {
		if err := d.send(ctx, notice); err != nil {
			d.logger.Warn("notice dispatch failed",
				slog.String("member_id", notice.MemberID),
				slog.String("entitlement_id", notice.EntitlementID),
				slog.String("error", err.Error()),
			)
			failures = append(failures, types.MemberOutcome{
				MemberID: notice.MemberID,
				Outcome:  types.OutcomeFailed,
				Reason:   err.Error(),
			})
		}
	}
	return failures
}

func (d *SQSDispatcher) send(ctx context.Context, notice types.Notice) error {
	msg := noticeMessage{
		MessageID: uuid.New().String(),
		SentAt:    time.Now().UTC(),
		Notice:    notice,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling notice: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"notice_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notice.Type)),
			},
		},
	}

	_, err = d.breaker.Execute(func() (*sqs.SendMessageOutput, error) {
		return d.client.SendMessage(ctx, input)
	})
	return err
}

// NopDispatcher discards all notices. Used when notification is disabled
// (local development) or not requested.
type NopDispatcher struct{}

// Dispatch implements Dispatcher.
func (NopDispatcher) Dispatch(context.Context, []types.Notice) []types.MemberOutcome {
	return nil
}
