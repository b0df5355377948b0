/*
Package client is a Go client for the mscluster admin API.

The CLI uses it to reach a running management server, since the registry and
the cluster service belong to the daemon:

	c, err := client.NewClient("127.0.0.1:9091")
	if err != nil {
		return err
	}
	nodes, self, err := c.ListNodes(ctx, true)
	out, err := c.Exec(ctx, api.ExecRequest{Peer: "2", Payload: "status"})

Non-2xx replies are returned as *Error carrying the status code and the
server's message.
*/
package client
