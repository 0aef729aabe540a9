package dw4core

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
)

// queueTransport is the optional Azure Queue-backed channel transport
// (component L, SPEC_FULL §4.L): a store-and-forward substitute for a
// live TCP socket, for serial_map entries with mode "azqueue". Grounded
// on the teacher's azqueue.go enqueue/dequeue calls, simplified to a
// single-byte message per Send (the channel buffer and SERREAD reply
// shape are byte-grained regardless of transport).
type queueTransport struct {
	egress  *azqueue.QueueClient
	ingress *azqueue.QueueClient
	poll    time.Duration
}

func newQueueTransport(svc *azqueue.ServiceClient, egressName, ingressName string, poll time.Duration) (*queueTransport, error) {
	if poll <= 0 {
		poll = DefaultIngressQueuePoll
	}
	t := &queueTransport{
		egress:  svc.NewQueueClient(egressName),
		ingress: svc.NewQueueClient(ingressName),
		poll:    poll,
	}
	return t, nil
}

func newQueueServiceClient(account, key string) (*azqueue.ServiceClient, error) {
	cred, err := azqueue.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("queue transport: %w", err)
	}
	return azqueue.NewServiceClientWithSharedKey(
		"https://"+account+".queue.core.windows.net", cred, nil)
}

func (t *queueTransport) Open(ctx context.Context) error {
	if _, err := t.egress.Create(ctx, nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return fmt.Errorf("queue transport: create egress queue: %w", err)
	}
	if _, err := t.ingress.Create(ctx, nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return fmt.Errorf("queue transport: create ingress queue: %w", err)
	}
	return nil
}

func (t *queueTransport) Send(ctx context.Context, b byte) error {
	msg := base64.StdEncoding.EncodeToString([]byte{b})
	_, err := t.egress.EnqueueMessage(ctx, msg, nil)
	return err
}

// StartReader polls the ingress queue every t.poll, dequeuing and
// deleting up to DefaultQueueBatch messages per cycle in queue order
// (SPEC_FULL §4.L: at-least-once, a crash between append and delete can
// duplicate a byte — see Open Question 6). Blocks until ctx is done;
// callers run it on their own goroutine.
func (t *queueTransport) StartReader(ctx context.Context, onByte func([]byte)) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		resp, err := t.ingress.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
			NumberOfMessages: to.Ptr[int32](DefaultQueueBatch),
		})
		if err != nil {
			continue
		}
		for _, msg := range resp.Messages {
			if msg.MessageText == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(*msg.MessageText)
			if err != nil {
				continue
			}
			onByte(data)
			_, _ = t.ingress.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil)
		}
	}
}

func (t *queueTransport) Close() error { return nil }
