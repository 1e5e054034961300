package crpc

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

var (
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	sync.Mutex // protects counters
	method     reflect.Method
	ArgType    reflect.Type
	ReplyType  reflect.Type
	WantsCtx   bool
	numCalls   uint
}

func (m *methodType) NumCalls() uint {
	m.Lock()
	defer m.Unlock()
	return m.numCalls
}

type service struct {
	name   string                 // name of service
	rcvr   reflect.Value          // receiver of methods for the service
	typ    reflect.Type           // type of the receiver
	method map[string]*methodType // registered methods
}

// Server dispatches CBOR-encoded calls to registered receivers, net/rpc style. Methods have the shape
//
//	func (t *T) Method(args A, reply *R) error
//	func (t *T) Method(ctx context.Context, args A, reply *R) error
//
// The context carries the caller address, see RemoteAddr.
type Server struct {
	listener   net.Listener
	serviceMap sync.Map // map[string]*service
}

func NewServer(listener net.Listener) *Server {
	return &Server{
		listener: listener,
	}
}

func (srv *Server) Register(rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.rcvr = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(s.rcvr).Type().Name()
	if sname == "" {
		return fmt.Errorf("rpc.Register: no service name for type %s", s.typ.String())
	}
	if !token.IsExported(sname) {
		return fmt.Errorf("rpc.Register: type %s is not exported", sname)
	}
	s.name = sname

	// Install the methods
	s.method = suitableMethods(s.typ)
	if len(s.method) == 0 {
		return fmt.Errorf("rpc.Register: type %s has no exported methods of suitable type", sname)
	}

	if _, dup := srv.serviceMap.LoadOrStore(sname, s); dup {
		return errors.New("rpc: service already defined: " + sname)
	}

	for m := range s.method {
		log.Debugf("rpc.Register: %s.%s", sname, m)
	}
	return nil
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type, so we need to check the type name as well.
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

// suitableMethods returns suitable Rpc methods of typ.
func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		if !method.IsExported() {
			continue
		}
		// receiver, [ctx,] args, *reply
		first := 1
		switch {
		case mtype.NumIn() == 4 && mtype.In(1) == typeOfContext:
			first = 2
		case mtype.NumIn() == 3:
		default:
			log.Debugf("rpc.Register: skipping method %q with %d input parameters", mname, mtype.NumIn())
			continue
		}
		argType := mtype.In(first)
		if !isExportedOrBuiltinType(argType) {
			log.Debugf("rpc.Register: skipping method %q, argument type is not exported: %q", mname, argType)
			continue
		}
		replyType := mtype.In(first + 1)
		if replyType.Kind() != reflect.Pointer || !isExportedOrBuiltinType(replyType) {
			log.Debugf("rpc.Register: skipping method %q, reply type must be an exported pointer: %q", mname, replyType)
			continue
		}
		if mtype.NumOut() != 1 || mtype.Out(0) != typeOfError {
			log.Debugf("rpc.Register: skipping method %q, must return exactly one error", mname)
			continue
		}
		methods[mname] = &methodType{method: method, ArgType: argType, ReplyType: replyType, WantsCtx: first == 2}
	}
	return methods
}

// Serve accepts connections until ctx is cancelled. It returns ctx.Err() on shutdown.
func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := srv.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warnf("crpc.Server: error closing listener %s: %v", srv.listener.Addr(), err)
		}
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := srv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Infof("crpc.Server: shutting down listener %s", srv.listener.Addr())
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				tempDelay = min(tempDelay, time.Second)
				log.Warnf("crpc.Server: accept error on %s: %v; retrying in %v", srv.listener.Addr(), err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			log.Errorf("crpc.Server: accept error on %s: %v. Server stopping.", srv.listener.Addr(), err)
			return err
		}

		tempDelay = 0
		log.Debugf("crpc.Server: accepted connection from %s", rw.RemoteAddr())
		go srv.serveConn(ctx, rw)
	}
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Unblock the decoder on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	callCtx := withRemoteAddr(ctx, conn.RemoteAddr())
	decoder := cbor.NewDecoder(conn)
	encoder := cbor.NewEncoder(conn)

	for {
		req := &RequestHeader{}
		if err := decoder.Decode(req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				log.Debugf("crpc.Server: connection %s closed: %v", conn.RemoteAddr(), err)
			} else {
				log.Errorf("crpc.Server: error decoding request header from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		dot := strings.LastIndex(req.Method, ".")
		if dot < 0 {
			log.Errorf("crpc.Server: service/method request ill-formed: %q from %s", req.Method, conn.RemoteAddr())
			return
		}
		serviceName := req.Method[:dot]
		methodName := req.Method[dot+1:]

		svci, ok := srv.serviceMap.Load(serviceName)
		if !ok {
			log.Errorf("crpc.Server: can't find service %q from %s", req.Method, conn.RemoteAddr())
			return
		}
		svc := svci.(*service)
		mtype := svc.method[methodName]
		if mtype == nil {
			log.Errorf("crpc.Server: can't find method %q from %s", req.Method, conn.RemoteAddr())
			return
		}

		var argv reflect.Value
		if mtype.ArgType.Kind() == reflect.Pointer {
			argv = reflect.New(mtype.ArgType.Elem())
		} else {
			argv = reflect.New(mtype.ArgType)
		}
		if err := decoder.Decode(argv.Interface()); err != nil {
			log.Errorf("crpc.Server: error decoding argument for %s from %s: %v", req.Method, conn.RemoteAddr(), err)
			return
		}
		if mtype.ArgType.Kind() != reflect.Pointer {
			argv = argv.Elem()
		}

		repl := &ResponseHeader{Seq: req.Seq}
		replyv := reflect.New(mtype.ReplyType.Elem())

		callErr := svc.call(callCtx, mtype, argv, replyv)
		if callErr != nil {
			repl.Err = callErr.Error()
		}

		if err := encoder.Encode(repl); err != nil {
			log.Errorf("crpc.Server: error encoding response header for %s to %s: %v", req.Method, conn.RemoteAddr(), err)
			return
		}
		if callErr == nil {
			if err := encoder.Encode(replyv.Interface()); err != nil {
				log.Errorf("crpc.Server: error encoding response body for %s to %s: %v", req.Method, conn.RemoteAddr(), err)
				return
			}
		}
	}
}

func (svc *service) call(ctx context.Context, mtype *methodType, argv, replyv reflect.Value) (err error) {
	mtype.Lock()
	mtype.numCalls++
	mtype.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("crpc.Server: panic during %s.%s: %v", svc.name, mtype.method.Name, r)
			err = fmt.Errorf("rpc: internal server error during %s.%s", svc.name, mtype.method.Name)
		}
	}()

	in := []reflect.Value{svc.rcvr}
	if mtype.WantsCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, argv, replyv)

	// The return value for the method is an error.
	if errInter := mtype.method.Func.Call(in)[0].Interface(); errInter != nil {
		return errInter.(error)
	}
	return nil
}

// Addr returns the addresses the server can be reached on. A listener bound to a specific IP yields
// that address. One bound to an unspecified IP yields every address of every interface that is up,
// with the listener's port.
func (srv *Server) Addr() []net.Addr {
	tcpAddr, ok := srv.listener.Addr().(*net.TCPAddr)
	if !ok {
		return []net.Addr{srv.listener.Addr()}
	}
	if tcpAddr.IP != nil && !tcpAddr.IP.IsUnspecified() {
		return []net.Addr{tcpAddr}
	}

	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Errorf("crpc.Server.Addr: failed to get interface addresses: %v", err)
		return []net.Addr{tcpAddr}
	}

	v4only := tcpAddr.IP != nil && tcpAddr.IP.To4() != nil
	seen := make(map[string]struct{})
	var addresses []net.Addr
	for _, a := range ifaddrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsUnspecified() {
			continue
		}
		if v4only && ipnet.IP.To4() == nil {
			continue
		}
		addr := &net.TCPAddr{IP: ipnet.IP, Port: tcpAddr.Port}
		if _, dup := seen[addr.String()]; dup {
			continue
		}
		seen[addr.String()] = struct{}{}
		addresses = append(addresses, addr)
	}

	if len(addresses) == 0 {
		return []net.Addr{tcpAddr}
	}
	return addresses
}

// Close stops accepting connections. Serve returns once the listener is closed.
func (srv *Server) Close() error {
	return srv.listener.Close()
}
