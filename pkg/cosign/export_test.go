package cosign

import "time"

// DialTimeout exposes the socket timeout new connections are dialed with.
func (c *Client) DialTimeout() time.Duration { return c.socketTimeout() }
