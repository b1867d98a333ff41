package space

import "time"

// SetDelay overrides the retry backoff so tests run quickly.
func (c *Client) SetDelay(d time.Duration) { c.delay = d }
