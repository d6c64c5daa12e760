package llm

import "context"

// Client is implemented by every model provider.
type Client interface {
	// Chat sends one completion request and returns the assistant
	// message, including any tool calls it makes.
	Chat(ctx context.Context, req Request) (*ChatResponse, error)
}

// TokenObserver receives token counts after each successful call.
type TokenObserver interface {
	OnTokens(inputTokens, outputTokens int)
}

// Observed wraps a client so every response reports its usage to obs.
func Observed(c Client, obs TokenObserver) Client {
	if obs == nil {
		return c
	}
	return &observedClient{base: c, obs: obs}
}

type observedClient struct {
	base Client
	obs  TokenObserver
}

func (o *observedClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	resp, err := o.base.Chat(ctx, req)
	if err == nil && resp != nil {
		o.obs.OnTokens(resp.InputTokens, resp.OutputTokens)
	}
	return resp, err
}
