package corvid

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/corvidmq/corvid/protocol"
)

// Conn is the internal client connection the controller uses to reach a
// broker. One request is in flight at a time; the per-broker sender goroutine
// is the only caller.
type Conn struct {
	mu            sync.Mutex
	conn          net.Conn
	rbuf          *bufio.Reader
	wbuf          *bufio.Writer
	clientID      string
	correlationID int32
}

var _ ClientConn = (*Conn)(nil)

// Dial opens a Conn to the broker at addr.
func Dial(addr string) (ClientConn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, "corvid-controller"), nil
}

func NewConn(conn net.Conn, clientID string) *Conn {
	return &Conn{
		conn:     conn,
		clientID: clientID,
		rbuf:     bufio.NewReader(conn),
		wbuf:     bufio.NewWriter(conn),
	}
}

func (c *Conn) LeaderAndISR(req *protocol.LeaderAndISRRequest) (*protocol.LeaderAndISRResponse, error) {
	var res protocol.LeaderAndISRResponse
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Conn) StopReplica(req *protocol.StopReplicaRequest) (*protocol.StopReplicaResponse, error) {
	var res protocol.StopReplicaResponse
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Conn) UpdateMetadata(req *protocol.UpdateMetadataRequest) (*protocol.UpdateMetadataResponse, error) {
	var res protocol.UpdateMetadataResponse
	if err := c.do(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) do(body protocol.Body, res protocol.VersionedDecoder) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.correlationID++
	id := c.correlationID
	if err := c.writeRequest(body, id); err != nil {
		c.conn.Close()
		return err
	}
	b, err := c.readResponse(id)
	if err != nil {
		c.conn.Close()
		return err
	}
	return protocol.Decode(b, res, body.Version())
}

func (c *Conn) writeRequest(body protocol.Body, correlationID int32) error {
	req := &protocol.Request{
		CorrelationID: correlationID,
		ClientID:      c.clientID,
		Body:          body,
	}
	b, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	if _, err = c.wbuf.Write(b); err != nil {
		return err
	}
	return c.wbuf.Flush()
}

func (c *Conn) readResponse(correlationID int32) ([]byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(c.rbuf, header); err != nil {
		return nil, err
	}
	size, id := protocol.MakeInt32(header[:4]), protocol.MakeInt32(header[4:])
	if id != correlationID {
		return nil, fmt.Errorf("correlation id mismatch: want %d, got %d", correlationID, id)
	}
	b := make([]byte, int(size)-4)
	if _, err := io.ReadFull(c.rbuf, b); err != nil {
		return nil, err
	}
	return b, nil
}
