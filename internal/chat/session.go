package chat

import (
	"errors"
	"io"
	"log/slog"
)

// HandleSession runs one client from registration until its transport fails.
// Frames are broadcast in the order they are read; any read error ends the
// session.
func HandleSession(c *Client, reg *Registry, b *Broadcaster, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		_ = c.Close()
	}()

	reg.Add(c)
	b.BroadcastUserCount()

	for {
		text, err := c.conn.Receive()
		if err != nil {
			if cleanDisconnect(err) {
				logger.Info("client disconnected", "username", c.Username, "client_id", c.ID)
			} else {
				logger.Warn("read failed", "username", c.Username, "client_id", c.ID, "error", err)
			}
			break
		}
		logger.Debug("message received", "username", c.Username, "client_id", c.ID, "bytes", len(text))
		b.BroadcastMessage(c, text)
	}

	reg.Remove(c)
	b.BroadcastUserCount()
}

func cleanDisconnect(err error) bool {
	return errors.Is(err, ErrPeerClosed) || errors.Is(err, ErrTransportClosed) || errors.Is(err, io.EOF)
}
