// Package mcp carries paycore payments over the Model Context Protocol.
//
// It has three parts:
//
// A PaymentWrapper guards tool handlers of an MCP server. A call without a
// proof in its _meta gets an error result whose structured content is a
// demand envelope; a call whose proof verifies runs the tool and returns the
// settlement receipt in the result _meta.
//
// A PayingClient wraps a client session. When a tool answers with a demand,
// it settles the demand through a paycore settler and repeats the call with
// the proof attached.
//
// Tools exposes channel and policy management to agents as MCP tools.
//
// # Server Usage
//
//	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "weather", Version: "1.0.0"}, nil)
//	paid := mcp.NewPaymentWrapper(verifier, mcp.PaymentWrapperConfig{
//	    Price: 1000,
//	    Payee: payeeAddress,
//	})
//	server.AddTool(&mcpsdk.Tool{Name: "get_weather", InputSchema: schema}, paid.Wrap(handler))
//
// # Client Usage
//
//	session, _ := mcpsdk.NewClient(impl, nil).Connect(ctx, transport, nil)
//	client := mcp.NewPayingClient(session, settler, mcp.Options{})
//	result, err := client.CallTool(ctx, "get_weather", map[string]interface{}{"city": "NYC"})
package mcp
