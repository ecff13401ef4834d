// Package redisstub runs an in-process server speaking enough RESP2 for the
// publish/subscribe links used by relaycast tests.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	clients  map[*client]struct{}
	channels map[string]map[*client]struct{}
	commands []string
	closed   chan struct{}
	certPEM  []byte
}

// client is one accepted connection. Replies and pushed messages share the
// writer, so every write holds writeMu.
type client struct {
	conn    net.Conn
	writeMu sync.Mutex
	writer  *bufio.Writer
	subs    map[string]struct{}
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:     opts,
		clients:  make(map[*client]struct{}),
		channels: make(map[string]map[*client]struct{}),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.certPEM = certPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Publish delivers payload to every subscriber of channel, as a PUBLISH from
// another client would, and returns the number of receivers.
func (s *Server) Publish(channel string, payload []byte) int {
	s.mu.Lock()
	receivers := make([]*client, 0, len(s.channels[channel]))
	for c := range s.channels[channel] {
		receivers = append(receivers, c)
	}
	s.mu.Unlock()
	for _, c := range receivers {
		_ = c.write(func(w *bufio.Writer) error {
			return writeArray(w, []interface{}{"message", channel, payload})
		})
	}
	return len(receivers)
}

// Subscribers reports how many connections are subscribed to channel.
func (s *Server) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels[channel])
}

// Commands returns the upper-cased names of every command received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range clients {
		_ = c.conn.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (c *client) write(fn func(w *bufio.Writer) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fn(c.writer)
}

func (c *client) reply(fn func(w *bufio.Writer) error) bool {
	return c.write(fn) == nil
}

func (s *Server) handleConnection(conn net.Conn) {
	c := &client{
		conn:   conn,
		writer: bufio.NewWriter(conn),
		subs:   make(map[string]struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		for channel := range c.subs {
			s.removeSubscriber(channel, c)
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if !c.reply(func(w *bufio.Writer) error { return writeError(w, "ERR wrong number of arguments") }) {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		switch cmd {
		case "AUTH":
			ok := false
			switch len(args) {
			case 2:
				ok = s.opts.Password == "" || args[1] == s.opts.Password
			case 3:
				ok = s.opts.Password != "" && args[2] == s.opts.Password
			}
			if ok {
				authenticated = true
			}
			if !c.reply(func(w *bufio.Writer) error {
				if ok {
					return writeSimpleString(w, "OK")
				}
				return writeError(w, "WRONGPASS invalid username-password pair")
			}) {
				return
			}
		case "QUIT":
			_ = c.write(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") })
			return
		default:
			if !authenticated {
				if !c.reply(func(w *bufio.Writer) error { return writeError(w, "NOAUTH Authentication required.") }) {
					return
				}
				continue
			}
			if !s.dispatch(c, cmd, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(c *client, cmd string, args []string) bool {
	switch cmd {
	case "PING":
		if len(c.subs) > 0 {
			payload := ""
			if len(args) > 1 {
				payload = args[1]
			}
			return c.reply(func(w *bufio.Writer) error {
				return writeArray(w, []interface{}{"pong", payload})
			})
		}
		if len(args) > 1 {
			return c.reply(func(w *bufio.Writer) error { return writeBulkString(w, args[1]) })
		}
		return c.reply(func(w *bufio.Writer) error { return writeSimpleString(w, "PONG") })
	case "SELECT":
		return c.reply(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") })
	case "CLIENT":
		return c.reply(func(w *bufio.Writer) error { return writeSimpleString(w, "OK") })
	case "PUBLISH":
		if len(args) != 3 {
			return c.reply(func(w *bufio.Writer) error {
				return writeError(w, "ERR wrong number of arguments for 'publish'")
			})
		}
		receivers := s.Publish(args[1], []byte(args[2]))
		return c.reply(func(w *bufio.Writer) error { return writeInteger(w, int64(receivers)) })
	case "SUBSCRIBE":
		if len(args) < 2 {
			return c.reply(func(w *bufio.Writer) error {
				return writeError(w, "ERR wrong number of arguments for 'subscribe'")
			})
		}
		for _, channel := range args[1:] {
			s.mu.Lock()
			c.subs[channel] = struct{}{}
			members := s.channels[channel]
			if members == nil {
				members = make(map[*client]struct{})
				s.channels[channel] = members
			}
			members[c] = struct{}{}
			count := int64(len(c.subs))
			s.mu.Unlock()
			channel := channel
			if !c.reply(func(w *bufio.Writer) error {
				return writeArray(w, []interface{}{"subscribe", channel, count})
			}) {
				return false
			}
		}
		return true
	case "UNSUBSCRIBE":
		s.mu.Lock()
		channels := args[1:]
		if len(channels) == 0 {
			for channel := range c.subs {
				channels = append(channels, channel)
			}
		}
		s.mu.Unlock()
		for _, channel := range channels {
			s.mu.Lock()
			delete(c.subs, channel)
			s.removeSubscriber(channel, c)
			count := int64(len(c.subs))
			s.mu.Unlock()
			channel := channel
			if !c.reply(func(w *bufio.Writer) error {
				return writeArray(w, []interface{}{"unsubscribe", channel, count})
			}) {
				return false
			}
		}
		return true
	default:
		// Unknown commands such as HELLO answer with an error and keep the
		// connection, as a real server does.
		return c.reply(func(w *bufio.Writer) error {
			return writeError(w, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
		})
	}
}

// removeSubscriber must be called with s.mu held.
func (s *Server) removeSubscriber(channel string, c *client) {
	members := s.channels[channel]
	if members == nil {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(s.channels, channel)
	}
}

func generateSelfSignedCert() ([]byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return certPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		var err error
		switch v := value.(type) {
		case string:
			err = writeBulkBytesRaw(w, []byte(v))
		case []byte:
			err = writeBulkBytesRaw(w, v)
		case int64:
			_, err = fmt.Fprintf(w, ":%d\r\n", v)
		case []interface{}:
			err = writeArrayRaw(w, v)
		default:
			err = writeBulkBytesRaw(w, []byte(fmt.Sprint(v)))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeBulkBytesRaw(w *bufio.Writer, value []byte) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n", len(value)); err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
