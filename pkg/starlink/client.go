package starlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection/grpc_reflection_v1alpha"

	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

const (
	DefaultHost    = "192.168.100.1"
	DefaultPort    = 9200
	DefaultTimeout = 10 * time.Second

	// every dish request goes through the single Handle RPC
	handleMethod = "SpaceX.API.Device.Device/Handle"
)

// APIMethod is the oneof field name of a Handle request
type APIMethod string

const (
	MethodGetStatus   APIMethod = "get_status"
	MethodGetLocation APIMethod = "get_location"
)

// Client talks to the dish over gRPC using server reflection, so no
// compiled protos are needed. The connection is dialed on first use and
// reused until Close or a transport failure.
type Client struct {
	addr    string
	timeout time.Duration
	logger  *logx.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
}

func NewClient(host string, port int, timeout time.Duration, logger *logx.Logger) *Client {
	if logger == nil {
		logger = logx.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: timeout,
		logger:  logger,
	}
}

// DefaultClient targets the dish at its fixed LAN address
func DefaultClient(logger *logx.Logger) *Client {
	return NewClient(DefaultHost, DefaultPort, DefaultTimeout, logger)
}

func (c *Client) Address() string { return c.addr }

// Close drops the cached connection; the next call redials.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) connection(ctx context.Context) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := grpc.DialContext(ctx, c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock())
	if err != nil {
		return nil, fmt.Errorf("dial dish at %s: %w", c.addr, err)
	}
	c.conn = conn
	return conn, nil
}

// CallMethod performs one Handle request and returns the JSON response.
// A non-OK dish answer is returned wrapping the gRPC status error so
// callers can inspect its code with status.FromError.
func (c *Client) CallMethod(ctx context.Context, method APIMethod) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.connection(ctx)
	if err != nil {
		return "", err
	}

	started := time.Now()
	out, err := c.invoke(ctx, conn, method)
	if err != nil {
		if ctx.Err() != nil {
			// a stuck transport is not worth keeping
			_ = c.Close()
		}
		return "", err
	}

	c.logger.LogDebugVerbose("starlink_call", map[string]interface{}{
		"method":   string(method),
		"bytes":    len(out),
		"duration": time.Since(started).String(),
	})
	return string(out), nil
}

func (c *Client) invoke(ctx context.Context, conn *grpc.ClientConn, method APIMethod) ([]byte, error) {
	refl := grpcreflect.NewClient(ctx, grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	defer refl.Reset()

	source := grpcurl.DescriptorSourceFromServer(ctx, refl)
	anyResolver := grpcurl.AnyResolverFromDescriptorSource(source)

	body, err := requestBody(method)
	if err != nil {
		return nil, err
	}
	parser := grpcurl.NewJSONRequestParser(bytes.NewReader(body), anyResolver)

	var buf bytes.Buffer
	h := &grpcurl.DefaultEventHandler{
		Out:       &buf,
		Formatter: grpcurl.NewJSONFormatter(false, anyResolver),
	}
	if err := grpcurl.InvokeRPC(ctx, source, conn, handleMethod, nil, h, parser.Next); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if h.Status != nil && h.Status.Err() != nil {
		return nil, fmt.Errorf("%s rejected: %w", method, h.Status.Err())
	}
	return buf.Bytes(), nil
}

// requestBody builds the Handle request, e.g. {"get_location":{}}
func requestBody(method APIMethod) ([]byte, error) {
	if method == "" {
		return nil, fmt.Errorf("empty dish method")
	}
	return json.Marshal(map[APIMethod]struct{}{method: {}})
}

func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	raw, err := c.CallMethod(ctx, MethodGetStatus)
	if err != nil {
		return nil, err
	}
	return ParseStatus([]byte(raw))
}

// GetLocation needs "allow access on local network" enabled in the
// Starlink app; otherwise the dish answers PermissionDenied.
func (c *Client) GetLocation(ctx context.Context) (*Location, error) {
	raw, err := c.CallMethod(ctx, MethodGetLocation)
	if err != nil {
		return nil, err
	}
	return ParseLocation([]byte(raw), time.Now())
}

func ParseStatus(data []byte) (*StatusResponse, error) {
	status := &StatusResponse{}
	if err := json.Unmarshal(data, status); err != nil {
		return nil, fmt.Errorf("decode get_status: %w", err)
	}
	return status, nil
}

// ParseLocation stamps the fix with now; the dish does not report one.
// A 0,0 position means the dish has no fix yet.
func ParseLocation(data []byte, now time.Time) (*Location, error) {
	var resp LocationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode get_location: %w", err)
	}
	fix := resp.GetLocation
	return &Location{
		Latitude:           fix.LLA.Lat,
		Longitude:          fix.LLA.Lon,
		Altitude:           fix.LLA.Alt,
		SigmaM:             fix.SigmaM,
		HorizontalSpeedMps: fix.HorizontalSpeedMps,
		Source:             fix.Source,
		Valid:              fix.LLA.Lat != 0 || fix.LLA.Lon != 0,
		Timestamp:          now,
	}, nil
}
