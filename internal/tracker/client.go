package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coveglabs/skiff/internal/wire"
)

// ClientNotification is a tracker push received by a Client.
type ClientNotification struct {
	Type         string
	Notification wire.Notification
}

// Client is a device's connection to the tracker: synchronous request/reply
// over one WebSocket plus a channel of server-pushed notifications. Keeping
// the socket open is what keeps this device "reachable" in tracker answers.
type Client struct {
	dk   wire.DeviceKey
	conn *websocket.Conn
	wmu  sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *wire.Message

	notifications chan ClientNotification
	done          chan struct{}
	closeOnce     sync.Once
	timeout       time.Duration
}

// Dial connects to the tracker's /ws endpoint as the given device.
func Dial(url string, dk wire.DeviceKey) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial tracker %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)

	c := &Client{
		dk:            dk,
		conn:          conn,
		pending:       make(map[string]chan *wire.Message),
		notifications: make(chan ClientNotification, 64),
		done:          make(chan struct{}),
		timeout:       10 * time.Second,
	}
	go c.readLoop()
	return c, nil
}

// Notifications returns the stream of tracker pushes (uploaderOnline,
// shareDeleted, seederRemoved). The channel is buffered; when the consumer
// falls behind, notices are dropped and the device converges via its own
// sweep instead.
func (c *Client) Notifications() <-chan ClientNotification { return c.notifications }

// Close tears down the connection, which the tracker treats as a disconnect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var msg wire.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			// Wake every pending caller.
			c.mu.Lock()
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		switch msg.Type {
		case wire.MsgResponse, wire.MsgError:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
		case wire.MsgUploaderOnline, wire.MsgShareDeleted, wire.MsgSeederRemoved:
			var n wire.Notification
			if err := msg.Decode(&n); err != nil {
				continue
			}
			select {
			case c.notifications <- ClientNotification{Type: msg.Type, Notification: n}:
			default:
			}
		default:
			// Unknown types are filtered at the boundary.
		}
	}
}

// call sends a request and waits for its correlated reply.
func (c *Client) call(typ string, payload any) (*wire.Message, error) {
	msg, err := wire.NewMessage(typ, c.dk, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *wire.Message, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	err = c.conn.WriteJSON(msg)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("send %s: %w", typ, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection closed", typ)
		}
		if resp.Type == wire.MsgError {
			var er wire.ErrorResponse
			if err := resp.Decode(&er); err != nil {
				return nil, err
			}
			return nil, er.Err()
		}
		return resp, nil
	case <-time.After(c.timeout):
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", typ, wire.ErrTimeout)
	case <-c.done:
		return nil, fmt.Errorf("%s: client closed", typ)
	}
}

// Announce registers this device as a seeder.
func (c *Client) Announce(req wire.AnnounceRequest) (*wire.FileRecordSummary, error) {
	req.DeviceKey = c.dk
	resp, err := c.call(wire.MsgAnnounce, req)
	if err != nil {
		return nil, err
	}
	var summary wire.FileRecordSummary
	if err := resp.Decode(&summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// Reannounce re-registers availability after a reconnect.
func (c *Client) Reannounce(req wire.ReannounceRequest) (*wire.FileRecordSummary, error) {
	req.DeviceKey = c.dk
	resp, err := c.call(wire.MsgReannounce, req)
	if err != nil {
		return nil, err
	}
	var summary wire.FileRecordSummary
	if err := resp.Decode(&summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// CheckExists probes a batch of file IDs.
func (c *Client) CheckExists(fileIDs []string) (exists, missing []string, err error) {
	resp, err := c.call(wire.MsgCheckExists, wire.CheckExistsRequest{FileIDs: fileIDs})
	if err != nil {
		return nil, nil, err
	}
	var out wire.CheckExistsResponse
	if err := resp.Decode(&out); err != nil {
		return nil, nil, err
	}
	return out.Exists, out.Missing, nil
}

// GetAvailableChunks asks which devices hold chunks of a file.
func (c *Client) GetAvailableChunks(fileID string) (map[string]wire.ChunkAvailability, error) {
	resp, err := c.call(wire.MsgGetAvailableChunks, wire.GetAvailableChunksRequest{FileID: fileID})
	if err != nil {
		return nil, err
	}
	var out wire.GetAvailableChunksResponse
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return out.Seeders, nil
}

// DeleteShare asks the tracker to delete a share this device uploaded.
func (c *Client) DeleteShare(fileID string) error {
	_, err := c.call(wire.MsgDeleteShare, wire.DeleteShareRequest{FileID: fileID})
	return err
}

// RegisterLeecher records this device as a downloader of the file.
func (c *Client) RegisterLeecher(fileID string, wanted []int) error {
	_, err := c.call(wire.MsgRegisterLeecher, wire.RegisterLeecherRequest{
		FileID: fileID, DeviceKey: c.dk, Wanted: wanted,
	})
	return err
}

// MarkActivity reports a successful serve so the tracker refreshes this
// seeder's activity timestamp.
func (c *Client) MarkActivity(fileID string) error {
	_, err := c.call(wire.MsgMarkActivity, wire.MarkActivityRequest{FileID: fileID, DeviceKey: c.dk})
	return err
}
