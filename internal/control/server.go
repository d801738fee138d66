package control

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ZejiaJiang/voyage/internal/boundary"
	"github.com/ZejiaJiang/voyage/internal/coreerr"
	"github.com/ZejiaJiang/voyage/internal/corelog"
	"github.com/ZejiaJiang/voyage/internal/rules"
)

// Server adapts the process-singleton boundary to the voyage.Control
// gRPC service. Stateless — every call reads the current engine
// incarnation through the boundary package.
type Server struct{}

// Serve starts a gRPC server on lis with the control service
// registered. Blocks until the server stops; the returned *grpc.Server
// is handed back through srvCh (if non-nil) so the host can
// GracefulStop it.
func Serve(lis net.Listener, srvCh chan<- *grpc.Server) error {
	srv := grpc.NewServer()
	RegisterControlServer(srv, &Server{})
	if srvCh != nil {
		srvCh <- srv
	}
	corelog.Log.Infof("control", "control plane listening on %s", lis.Addr())
	return srv.Serve(lis)
}

func grpcErr(err error) error {
	var ce *coreerr.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case coreerr.NotInitialized:
			return status.Error(codes.FailedPrecondition, err.Error())
		case coreerr.AlreadyInitialized:
			return status.Error(codes.AlreadyExists, err.Error())
		case coreerr.InvalidConfig, coreerr.InvalidPacket, coreerr.RuleParse:
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) GetStats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := boundary.GetStats()
	if err != nil {
		return nil, grpcErr(err)
	}
	return structpb.NewStruct(map[string]any{
		"instance_id":        boundary.InstanceID(),
		"bytes_sent":         float64(snap.BytesSent),
		"bytes_received":     float64(snap.BytesReceived),
		"total_connections":  float64(snap.TotalConnections),
		"active_connections": float64(snap.ActiveConnections),
		"direct":             float64(snap.DirectCount),
		"proxied":            float64(snap.ProxiedCount),
		"rejected":           float64(snap.RejectedCount),
		"icmp_dropped":       float64(snap.ICMPDropped),
		"nat_table_full":     float64(snap.NatTableFull),
		"udp_proxy_fallback": float64(snap.UDPProxyFallback),
	})
}

func (s *Server) GetVersion(_ context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(boundary.GetCoreVersion()), nil
}

func (s *Server) ReloadRules(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	var warnings []any
	count, err := boundary.LoadRules(strings.NewReader(req.GetValue()), func(line int, msg string) {
		warnings = append(warnings, map[string]any{"line": float64(line), "message": msg})
	})
	if err != nil {
		return nil, grpcErr(err)
	}
	return structpb.NewStruct(map[string]any{
		"accepted": float64(count),
		"warnings": warnings,
	})
}

// Route evaluates a preview target of the form "host", "host:port",
// "ip", or "ip:port" against the active rule table.
func (s *Server) Route(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	q, err := parseTarget(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	action, err := boundary.EvaluateRoute(q)
	if err != nil {
		return nil, grpcErr(err)
	}
	return wrapperspb.String(action.String()), nil
}

func parseTarget(target string) (rules.Query, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return rules.Query{}, errors.New("empty route target")
	}

	host := target
	var port uint16
	if h, p, err := net.SplitHostPort(target); err == nil {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return rules.Query{}, errors.New("invalid port in route target")
		}
		host, port = h, uint16(n)
	}

	q := rules.Query{Port: port, Proto: "tcp"}
	if addr, err := netip.ParseAddr(host); err == nil {
		q.IP = addr.String()
	} else {
		q.Domain = host
	}
	return q, nil
}
