package main

import (
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"dbft_demo/types"
)

const (
	writeWait = 10 * time.Second
	// rpc server在没有ping时会关闭连接
	pingPeriod = 27 * time.Second
)

// transacter 向一个节点的websocket端点按固定速率发送交易
type transacter struct {
	target  string
	rate    int
	senders int
	method  string

	conns  []*websocket.Conn
	sent   []uint64
	failed []uint64

	quit chan struct{}
	wg   sync.WaitGroup

	logger log.Logger
}

func newTransacter(target string, connections, rate, senders int, method string) *transacter {
	return &transacter{
		target:  target,
		rate:    rate,
		senders: senders,
		method:  method,
		conns:   make([]*websocket.Conn, connections),
		sent:    make([]uint64, connections),
		failed:  make([]uint64, connections),
		quit:    make(chan struct{}),
		logger:  log.NewNopLogger(),
	}
}

func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

// Start 建立所有连接后再开始发送
func (t *transacter) Start() error {
	rand.Seed(time.Now().UnixNano())

	u := url.URL{Scheme: "ws", Host: t.target, Path: "/websocket"}
	for i := range t.conns {
		c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			t.closeConns()
			return errors.Wrapf(err, "dial %s", u.String())
		}
		t.conns[i] = c
	}

	for i := range t.conns {
		t.wg.Add(2)
		go t.drain(i)
		go t.sendRoutine(i)
	}
	return nil
}

// Stop 停止发送，正常关闭连接
func (t *transacter) Stop() {
	close(t.quit)
	for _, c := range t.conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	}
	t.closeConns()
	t.wg.Wait()

	for i := range t.conns {
		t.logger.Info("connection finished", "target", t.target, "conn", i,
			"sent", atomic.LoadUint64(&t.sent[i]), "failed", atomic.LoadUint64(&t.failed[i]))
	}
}

func (t *transacter) closeConns() {
	for _, c := range t.conns {
		if c != nil {
			c.Close()
		}
	}
}

// drain 读掉broadcast_tx的回应，同时处理ping/pong控制帧
func (t *transacter) drain(i int) {
	defer t.wg.Done()
	for {
		if _, _, err := t.conns[i].ReadMessage(); err != nil {
			select {
			case <-t.quit:
			default:
				t.logger.Error("read failed", "conn", i, "err", err)
			}
			return
		}
	}
}

// sendRoutine 每秒发送rate个交易，一秒内发不完的部分丢弃
func (t *transacter) sendRoutine(i int) {
	defer t.wg.Done()
	c := t.conns[i]
	logger := t.logger.With("conn", i, "addr", c.RemoteAddr())

	txTicker := time.NewTicker(time.Second)
	pingTicker := time.NewTicker(pingPeriod)
	defer txTicker.Stop()
	defer pingTicker.Stop()

	nonce := 0
	for {
		select {
		case <-t.quit:
			return

		case <-pingTicker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Error("ping failed", "err", err)
				return
			}

		case <-txTicker.C:
			deadline := time.Now().Add(time.Second)
			n := 0
			for ; n < t.rate && time.Now().Before(deadline); n++ {
				if err := t.sendTx(c, generateTx(i, nonce, t.senders)); err != nil {
					atomic.AddUint64(&t.failed[i], 1)
					logger.Error("send failed", "err", err)
					return
				}
				atomic.AddUint64(&t.sent[i], 1)
				nonce++
			}
			logger.Debug("sent transactions", "count", n)
		}
	}
}

func (t *transacter) sendTx(c *websocket.Conn, tx types.Tx) error {
	req, err := jsonrpc.MapToRequest(jsonrpc.JSONRPCStringID("tm-bench"), t.method,
		map[string]interface{}{"tx": tx})
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	if err := c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.WriteJSON(req)
}

// generateTx 生成带随机手续费的交易
func generateTx(connIndex, txNumber, senders int) types.Tx {
	sender := make([]byte, 20)
	sender[0] = byte(rand.Intn(senders))
	sender[1] = byte(connIndex)

	script := make([]byte, 8+rand.Intn(56))
	rand.Read(script) // nolint: gosec
	return types.Tx{
		Sender:     sender,
		Nonce:      uint32(txNumber),
		SystemFee:  int64(rand.Intn(1000)),
		NetworkFee: int64(1 + rand.Intn(10000)),
		Script:     script,
	}
}
