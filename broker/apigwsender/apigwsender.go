// Package apigwsender implements the broker's connection sender on the AWS
// API Gateway management API, the delivery path for websocket clients of a
// serverless deployment. A GoneException from the gateway maps to the
// framework's gone-connection error so the broker prunes the subscription.
package apigwsender

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/smithy-go"

	"github.com/objectwire/objectwire/broker"
	"github.com/objectwire/objectwire/rpcerrors"
)

type (
	// ManagementAPI is the subset of the API Gateway management client the
	// sender uses. Tests substitute a fake.
	ManagementAPI interface {
		PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, opts ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
		GetConnection(ctx context.Context, in *apigatewaymanagementapi.GetConnectionInput, opts ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.GetConnectionOutput, error)
		DeleteConnection(ctx context.Context, in *apigatewaymanagementapi.DeleteConnectionInput, opts ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.DeleteConnectionOutput, error)
	}

	// Sender posts frames through the API Gateway management API.
	Sender struct {
		api ManagementAPI
	}
)

// New creates a Sender over the given management API client.
func New(api ManagementAPI) *Sender {
	return &Sender{api: api}
}

// NewFromConfig builds a Sender for the websocket API's callback endpoint,
// e.g. "https://<api-id>.execute-api.<region>.amazonaws.com/<stage>".
func NewFromConfig(cfg aws.Config, endpoint string) *Sender {
	api := apigatewaymanagementapi.NewFromConfig(cfg, func(o *apigatewaymanagementapi.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &Sender{api: api}
}

// Send implements broker.ConnectionSender.
func (s *Sender) Send(ctx context.Context, connID string, data []byte) error {
	_, err := s.api.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connID),
		Data:         data,
	})
	if err != nil {
		if isGone(err) {
			return fmt.Errorf("connection %q: %w", connID, rpcerrors.ErrGoneConnection)
		}
		return fmt.Errorf("post to connection %q: %w", connID, err)
	}
	return nil
}

// IsAlive implements broker.ConnectionSender.
func (s *Sender) IsAlive(ctx context.Context, connID string) bool {
	_, err := s.api.GetConnection(ctx, &apigatewaymanagementapi.GetConnectionInput{
		ConnectionId: aws.String(connID),
	})
	return err == nil
}

// Disconnect implements broker.ConnectionSender.
func (s *Sender) Disconnect(ctx context.Context, connID string) error {
	_, err := s.api.DeleteConnection(ctx, &apigatewaymanagementapi.DeleteConnectionInput{
		ConnectionId: aws.String(connID),
	})
	if err != nil {
		if isGone(err) {
			return fmt.Errorf("connection %q: %w", connID, rpcerrors.ErrGoneConnection)
		}
		return fmt.Errorf("delete connection %q: %w", connID, err)
	}
	return nil
}

// Info implements broker.ConnectionSender.
func (s *Sender) Info(ctx context.Context, connID string) (broker.ConnectionInfo, error) {
	out, err := s.api.GetConnection(ctx, &apigatewaymanagementapi.GetConnectionInput{
		ConnectionId: aws.String(connID),
	})
	if err != nil {
		if isGone(err) {
			return broker.ConnectionInfo{}, fmt.Errorf("connection %q: %w", connID, rpcerrors.ErrGoneConnection)
		}
		return broker.ConnectionInfo{}, fmt.Errorf("get connection %q: %w", connID, err)
	}
	info := broker.ConnectionInfo{ConnectionID: connID}
	if out.ConnectedAt != nil {
		info.ConnectedAt = *out.ConnectedAt
	}
	if out.LastActiveAt != nil {
		info.LastActiveAt = *out.LastActiveAt
	}
	return info, nil
}

// isGone reports whether err is the gateway's way of saying the client
// vanished: a typed GoneException or the equivalent generic API error.
func isGone(err error) bool {
	var gone *types.GoneException
	if errors.As(err, &gone) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "GoneException"
}
