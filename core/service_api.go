package core

import (
	"context"

	"pkt.systems/gantry/schema"
)

// Service is the transport-agnostic API for opening, tracking, and
// tearing down session tabs.
type Service interface {
	OpenTab(ctx context.Context, req schema.OpenTabRequest) (schema.OpenTabResponse, error)
	CloseTab(ctx context.Context, req schema.CloseTabRequest) (schema.CloseTabResponse, error)
	CloseAll(ctx context.Context, req schema.CloseAllRequest) (schema.CloseAllResponse, error)
	ActivateTab(ctx context.Context, req schema.ActivateTabRequest) (schema.ActivateTabResponse, error)
	ListTabs(ctx context.Context, req schema.ListTabsRequest) (schema.ListTabsResponse, error)
	WriteInput(ctx context.Context, req schema.WriteInputRequest) (schema.WriteInputResponse, error)
	ResizeTab(ctx context.Context, req schema.ResizeTabRequest) (schema.ResizeTabResponse, error)
	SetViewport(ctx context.Context, req schema.SetViewportRequest) (schema.SetViewportResponse, error)
	ScheduleResize(ctx context.Context, req schema.ScheduleResizeRequest) (schema.ScheduleResizeResponse, error)
	SyncVisibility(ctx context.Context, req schema.SyncVisibilityRequest) (schema.SyncVisibilityResponse, error)
	SendDisplayKey(ctx context.Context, req schema.DisplayKeyRequest) (schema.DisplayKeyResponse, error)
	SendDisplayPointer(ctx context.Context, req schema.DisplayPointerRequest) (schema.DisplayPointerResponse, error)
	HostKeyDecision(ctx context.Context, req schema.HostKeyDecisionRequest) (schema.HostKeyDecisionResponse, error)
	GetBuffer(ctx context.Context, req schema.GetBufferRequest) (schema.GetBufferResponse, error)
	ScrollBuffer(ctx context.Context, req schema.ScrollBufferRequest) (schema.ScrollBufferResponse, error)
}
