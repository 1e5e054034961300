// Package mpubsub implements a Multicast PubSub.
// Publish: a CBOR-encoded message is sent to a multicast group.
// Subscribe: a listener receives a message over the network and distributes it to a registered handler.
//
// A handler is an exported method of a registered receiver with one of the signatures
//
//	func (t *T) Method(msg *Msg)
//	func (t *T) Method(msg *Msg, from *net.UDPAddr)
//
// and is addressed as "T.Method" by publishers.
package mpubsub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/token"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// MaxDatagramSize bounds both published and received messages.
const MaxDatagramSize = 1280

var ErrMessageTooLarge = fmt.Errorf("mpubsub: message exceeds %d bytes", MaxDatagramSize)

var typeOfUDPAddr = reflect.TypeOf((**net.UDPAddr)(nil)).Elem()

type MessageHeader struct {
	ServiceMethod string `cbor:"1,keyasint,omitempty"`
}

type handlerType struct {
	method   reflect.Method
	argType  reflect.Type
	wantFrom bool
}

type service struct {
	name    string
	sub     reflect.Value
	typ     reflect.Type
	methods map[string]*handlerType
}

type PubSub struct {
	rc         *net.UDPConn
	wc         *net.UDPConn
	serviceMap sync.Map
}

func New(rconn *net.UDPConn, wconn *net.UDPConn) *PubSub {
	return &PubSub{
		rc: rconn,
		wc: wconn,
	}
}

func (ps *PubSub) Register(rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.sub = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(s.sub).Type().Name()
	if sname == "" {
		return fmt.Errorf("mpubsub.Register: no service name for type %s", s.typ.String())
	}
	if !token.IsExported(sname) {
		return fmt.Errorf("mpubsub.Register: type %q is not exported", sname)
	}
	s.name = sname

	// Install the methods
	s.methods = suitableHandlers(s.typ)
	if len(s.methods) == 0 {
		return fmt.Errorf("mpubsub.Register: type %s has no exported methods of suitable type", sname)
	}
	if _, dup := ps.serviceMap.LoadOrStore(sname, s); dup {
		return fmt.Errorf("mpubsub.Register: service already defined: %s", sname)
	}

	for m := range s.methods {
		log.Debugf("mpubsub.Register: %s.%s", sname, m)
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

func suitableHandlers(typ reflect.Type) map[string]*handlerType {
	handlers := make(map[string]*handlerType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		if !method.IsExported() {
			continue
		}
		// receiver, *msg [, *net.UDPAddr]
		if mtype.NumIn() != 2 && mtype.NumIn() != 3 {
			log.Debugf("mpubsub.Register: skipping method %q with %d input parameters", mname, mtype.NumIn())
			continue
		}
		argType := mtype.In(1)
		if argType.Kind() != reflect.Pointer {
			log.Debugf("mpubsub.Register: skipping method %q, argument is not a pointer: %q", mname, argType)
			continue
		}
		if !isExportedOrBuiltinType(argType) {
			log.Debugf("mpubsub.Register: skipping method %q, argument type is not exported: %q", mname, argType)
			continue
		}
		wantFrom := mtype.NumIn() == 3
		if wantFrom && mtype.In(2) != typeOfUDPAddr {
			log.Debugf("mpubsub.Register: skipping method %q, second argument must be *net.UDPAddr", mname)
			continue
		}
		if mtype.NumOut() != 0 {
			log.Debugf("mpubsub.Register: skipping method %q with %d output parameters", mname, mtype.NumOut())
			continue
		}
		handlers[mname] = &handlerType{method: method, argType: argType, wantFrom: wantFrom}
	}
	return handlers
}

func (ps *PubSub) Publish(serviceMethod string, args any) error {
	msg := MessageHeader{
		ServiceMethod: serviceMethod,
	}

	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(msg); err != nil {
		return err
	}
	if err := enc.Encode(args); err != nil {
		return err
	}
	if buf.Len() > MaxDatagramSize {
		return ErrMessageTooLarge
	}

	if _, err := ps.wc.Write(buf.Bytes()); err != nil {
		return err
	}

	log.Debugf("mpubsub: published %s (%d bytes)", serviceMethod, buf.Len())
	return nil
}

// Listen reads datagrams until ctx is cancelled, which closes the read socket.
func (ps *PubSub) Listen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { ps.rc.Close() })
	defer stop()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := ps.rc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Errorf("mpubsub: failed to read message: %v", err)
			continue
		}
		ps.dispatch(buf[:n], from)
	}
}

func (ps *PubSub) dispatch(data []byte, from *net.UDPAddr) {
	// Wrap the message in a reader and pass on to CBOR decoder
	dec := cbor.NewDecoder(bytes.NewReader(data))

	var msg MessageHeader
	if err := dec.Decode(&msg); err != nil {
		log.Warnf("mpubsub: failed to unmarshal message from %s: %v", from, err)
		return
	}

	dot := strings.LastIndex(msg.ServiceMethod, ".")
	if dot < 0 {
		log.Warnf("mpubsub: service/method ill-formed: %q from %s", msg.ServiceMethod, from)
		return
	}
	serviceName := msg.ServiceMethod[:dot]
	methodName := msg.ServiceMethod[dot+1:]

	svci, ok := ps.serviceMap.Load(serviceName)
	if !ok {
		log.Debugf("mpubsub: can't find service %s", msg.ServiceMethod)
		return
	}
	svc := svci.(*service)

	handler := svc.methods[methodName]
	if handler == nil {
		log.Debugf("mpubsub: can't find method %s", msg.ServiceMethod)
		return
	}

	arg := reflect.New(handler.argType.Elem())
	if err := dec.Decode(arg.Interface()); err != nil {
		log.Warnf("mpubsub: failed to unmarshal arguments for %s from %s: %v", msg.ServiceMethod, from, err)
		return
	}

	in := []reflect.Value{svc.sub, arg}
	if handler.wantFrom {
		in = append(in, reflect.ValueOf(from))
	}
	handler.method.Func.Call(in)
}

// Close closes both sockets.
func (ps *PubSub) Close() error {
	rerr := ps.rc.Close()
	werr := ps.wc.Close()
	if rerr != nil && !errors.Is(rerr, net.ErrClosed) {
		return rerr
	}
	if werr != nil && !errors.Is(werr, net.ErrClosed) {
		return werr
	}
	return nil
}

// LocalAddr is the address the reader is bound to. For a multicast reader that is the group port.
func (ps *PubSub) LocalAddr() *net.UDPAddr {
	return ps.rc.LocalAddr().(*net.UDPAddr)
}
