package command

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	corecmd "github.com/minegrid/curtaild/core/command"
	"github.com/minegrid/curtaild/core/model"
)

// helper to generate self-signed cert
func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"
	caFile = dir + "/ca.pem"
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0644); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(caFile, certPEM, 0644); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	return
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}
	tlsCfg, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(tlsCfg.Certificates) == 0 {
		t.Fatalf("no certs loaded")
	}
	if tlsCfg.RootCAs == nil {
		t.Fatalf("no root CAs")
	}
}

func TestNewClientOptionsAuth(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("auth not set")
	}
}

func withFakeBroker(t *testing.T, fc *fakeClient) {
	t.Helper()
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { fc.opts = o; return fc }
	t.Cleanup(func() {
		newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) }
	})
}

func TestQoSSettings(t *testing.T) {
	fc := &fakeClient{}
	withFakeBroker(t, fc)
	cfg := Config{Broker: "tcp://localhost:1883", ClientID: "id", AckTopic: "unit/ack", QoS: map[string]byte{"command": 2, "ack": 1}}
	ch, err := NewMQTTChannel(cfg)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if len(fc.subscribed) == 0 || fc.subscribed[0].qos != 1 {
		t.Fatalf("subscribe qos not applied")
	}
	cmdID, err := ch.Send("u-01", model.ActionShutdown)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fc.published) == 0 || fc.published[0].qos != 2 {
		t.Fatalf("publish qos not applied")
	}
	if fc.published[0].topic != "unit/u-01/power" {
		t.Fatalf("unexpected topic %s", fc.published[0].topic)
	}
	// trigger ack
	payload := fmt.Sprintf(`{"command_id":"%s"}`, cmdID)
	ch.onAck(nil, fakeMessage{[]byte(payload)})
	ok, err := ch.WaitForAck(cmdID, time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("ack wait failed: %v", err)
	}
}

func TestRetryLogic(t *testing.T) {
	fc := &fakeClient{publishErrs: []error{fmt.Errorf("net fail"), nil}}
	withFakeBroker(t, fc)
	cfg := Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 1, BackoffMS: 1}
	ch, err := NewMQTTChannel(cfg)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	_, err = ch.Send("u-01", model.ActionStartup)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fc.published) != 2 {
		t.Fatalf("expected retries")
	}
}

func TestSendConcurrentWithDefaults(t *testing.T) {
	fc := &fakeClient{}
	withFakeBroker(t, fc)
	ch, err := NewMQTTChannel(Config{Broker: "tcp://localhost:1883", ClientID: "id"})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := ch.Send(fmt.Sprintf("u-%02d", i), model.ActionShutdown); err != nil {
				t.Errorf("send u-%02d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if got := fc.publishedCount(); got != workers {
		t.Fatalf("expected %d publishes, got %d", workers, got)
	}
}

func TestAckDuringPublishIsNotLost(t *testing.T) {
	fc := &fakeClient{}
	withFakeBroker(t, fc)
	var ch *MQTTChannel
	fc.onPublish = func(payload []byte) {
		var cmd struct {
			CommandID string `json:"command_id"`
		}
		if err := json.Unmarshal(payload, &cmd); err != nil {
			t.Errorf("decode command: %v", err)
			return
		}
		ch.onAck(nil, fakeMessage{[]byte(fmt.Sprintf(`{"command_id":%q}`, cmd.CommandID))})
	}
	ch, err := NewMQTTChannel(Config{Broker: "tcp://localhost:1883", ClientID: "id"})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}

	cmdID, err := ch.Send("u-01", model.ActionShutdown)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	ok, err := ch.WaitForAck(cmdID, time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("ack arriving during publish must be delivered, got ok=%v err=%v", ok, err)
	}
}

func TestSendFailureUnregistersAck(t *testing.T) {
	fc := &fakeClient{publishErrs: []error{fmt.Errorf("net fail"), fmt.Errorf("net fail")}}
	withFakeBroker(t, fc)
	ch, err := NewMQTTChannel(Config{Broker: "tcp://localhost:1883", ClientID: "id", MaxRetries: 1, BackoffMS: 1})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if _, err := ch.Send("u-01", model.ActionShutdown); err == nil {
		t.Fatal("expected publish failure")
	}
	ch.mu.Lock()
	pending := len(ch.ackChans)
	ch.mu.Unlock()
	if pending != 0 {
		t.Fatalf("failed send left %d ack registrations", pending)
	}
}

func TestWaitForAckTimeout(t *testing.T) {
	fc := &fakeClient{}
	withFakeBroker(t, fc)
	ch, err := NewMQTTChannel(Config{Broker: "tcp://localhost:1883", ClientID: "id"})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	cmdID, _ := ch.Send("u-01", model.ActionShutdown)
	ok, err := ch.WaitForAck(cmdID, time.Millisecond)
	if ok {
		t.Fatalf("expected timeout")
	}
	if !errors.Is(err, corecmd.ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
}

// fakeClient implements pahoClient for tests. onPublish, when set, runs
// with the raw payload before the publish token is returned.
type fakeClient struct {
	mu         sync.Mutex
	opts       *paho.ClientOptions
	subscribed []struct {
		topic string
		qos   byte
	}
	published []struct {
		topic string
		qos   byte
	}
	publishErrs []error
	onPublish   func(payload []byte)
}

func (f *fakeClient) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeClient) IsConnected() bool { return true }
func (f *fakeClient) Connect() paho.Token {
	if f.opts != nil && f.opts.OnConnect != nil {
		f.opts.OnConnect(f)
	}
	return &dummyToken{}
}
func (f *fakeClient) Disconnect(uint) {}
func (f *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	f.mu.Lock()
	f.published = append(f.published, struct {
		topic string
		qos   byte
	}{topic, qos})
	var err error
	if len(f.publishErrs) > 0 {
		err = f.publishErrs[0]
		f.publishErrs = f.publishErrs[1:]
	}
	hook := f.onPublish
	f.mu.Unlock()
	if err == nil && hook != nil {
		if b, ok := payload.([]byte); ok {
			hook(b)
		}
	}
	return &dummyToken{err: err}
}
func (f *fakeClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, struct {
		topic string
		qos   byte
	}{topic, qos})
	f.mu.Unlock()
	return &dummyToken{}
}
func (f *fakeClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (f *fakeClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (f *fakeClient) AddRoute(string, paho.MessageHandler)    {}
func (f *fakeClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (f *fakeClient) IsConnectionOpen() bool                  { return true }

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type fakeMessage struct{ p []byte }

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "" }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.p }
func (m fakeMessage) Ack()              {}
