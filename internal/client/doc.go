// Package client is the HTTP client for a coven-dispatch server.
//
// It is used by the coven-dispatch CLI subcommands (health, agents,
// submit, job, watch) and mirrors the JSON shapes served by the gateway
// package. Non-2xx responses come back as *APIError carrying the status
// code and the server's {"error": ...} message.
//
//	c := client.New("localhost:8080", token)
//	res, err := c.SubmitJob(ctx, job.SubmitRequest{AgentID: "a1", Kind: "proof"}, "")
//	err = c.Stream(ctx, "a1", func(ev status.Event) error { ... })
package client
