package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"subaccount-core/internal/exchange"
	"subaccount-core/pkg/logger"
)

const keepAliveInterval = 30 * time.Minute

type wsDialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

func defaultDialer() wsDialer {
	return &websocket.Dialer{HandshakeTimeout: 30 * time.Second, Proxy: http.ProxyFromEnvironment}
}

// StartRealtimeStream 申请 listenKey 并订阅子账户 user data stream
// ctx 只约束建立连接的过程, 流本身的生命周期由 Close 控制
func (c *Client) StartRealtimeStream(ctx context.Context, creds exchange.Credentials, subAccountID string) (exchange.Stream, error) {
	var key struct {
		ListenKey string `json:"listenKey"`
	}
	cl := c.sub(creds, http.MethodPost, "/api/v3/userDataStream", nil)
	cl.unsigned = true
	if err := c.do(ctx, cl, &key); err != nil {
		return nil, err
	}

	endpoint := strings.TrimSuffix(c.cfg.StreamURL, "/") + "/ws/" + key.ListenKey
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial user data stream: %w: %v", exchange.ErrNoResponse, err)
	}

	s := &userStream{
		client:       c,
		creds:        creds,
		subAccountID: subAccountID,
		listenKey:    key.ListenKey,
		conn:         conn,
		events:       make(chan exchange.AccountEvent, 64),
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive()

	logger.Info("子账户实时数据流已连接", zap.String("sub_account_id", subAccountID))
	return s, nil
}

type userStream struct {
	client       *Client
	creds        exchange.Credentials
	subAccountID string
	listenKey    string
	conn         *websocket.Conn

	events chan exchange.AccountEvent
	done   chan struct{}
	stop   chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (s *userStream) Events() <-chan exchange.AccountEvent { return s.events }
func (s *userStream) Done() <-chan struct{}                 { return s.done }

func (s *userStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *userStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close 断开连接并注销 listenKey
func (s *userStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = s.conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if derr := s.client.do(ctx, s.listenKeyCall(http.MethodDelete), nil); derr != nil {
			logger.Warn("注销 listenKey 失败", zap.String("sub_account_id", s.subAccountID), zap.Error(derr))
		}
	})
	<-s.done
	return err
}

func (s *userStream) listenKeyCall(method string) call {
	params := url.Values{}
	params.Set("listenKey", s.listenKey)
	cl := s.client.sub(s.creds, method, "/api/v3/userDataStream", params)
	cl.unsigned = true
	return cl
}

func (s *userStream) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.client.do(ctx, s.listenKeyCall(http.MethodPut), nil); err != nil {
				logger.Warn("listenKey 续期失败", zap.String("sub_account_id", s.subAccountID), zap.Error(err))
			}
			cancel()
		}
	}
}

type wsEnvelope struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Balances  []wsBalance     `json:"B"`
	Asset     string          `json:"a"`
	Delta     decimal.Decimal `json:"d"`
}

type wsBalance struct {
	Asset  string          `json:"a"`
	Free   decimal.Decimal `json:"f"`
	Locked decimal.Decimal `json:"l"`
}

func (s *userStream) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.setErr(fmt.Errorf("user data stream: %w", err))
			}
			return
		}

		ev, ok, err := parseEvent(data)
		if err != nil {
			logger.Warn("无法解析推送消息", zap.String("sub_account_id", s.subAccountID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.stop:
			return
		}
	}
}

// parseEvent 只关心余额相关事件, 其余类型返回 ok=false
func parseEvent(data []byte) (exchange.AccountEvent, bool, error) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return exchange.AccountEvent{}, false, err
	}
	at := time.UnixMilli(env.EventTime).UTC()

	switch env.Event {
	case "outboundAccountPosition":
		ev := exchange.AccountEvent{Kind: exchange.EventBalanceSnapshot, EventTime: at}
		for _, b := range env.Balances {
			ev.Balances = append(ev.Balances, exchange.AssetBalance{
				Asset:     b.Asset,
				Available: b.Free,
				Locked:    b.Locked,
				Total:     b.Free.Add(b.Locked),
			})
		}
		return ev, true, nil
	case "balanceUpdate":
		return exchange.AccountEvent{
			Kind:      exchange.EventBalanceDelta,
			Asset:     env.Asset,
			Delta:     env.Delta,
			EventTime: at,
		}, true, nil
	}
	return exchange.AccountEvent{}, false, nil
}
