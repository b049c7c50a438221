package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	tmcfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"

	cfg "dbft_demo/config"
	"dbft_demo/consensus"
	"dbft_demo/libs/metric"
	mempl "dbft_demo/mempool"
	"dbft_demo/privval"
	"dbft_demo/rpc"
	"dbft_demo/state"
	"dbft_demo/store"
	"dbft_demo/types"
)

// Provider takes a config and a logger and returns a ready to go Node.
type Provider func(*cfg.Config, log.Logger) (*Node, error)

// MetricsProvider returns a consensus and mempool Metrics.
type MetricsProvider func(chainID string) (*consensus.Metrics, *mempl.Metrics)

// DefaultMetricsProvider returns Metrics build using Prometheus client library
// if Prometheus is enabled. Otherwise, it returns no-op Metrics.
func DefaultMetricsProvider(config *tmcfg.InstrumentationConfig) MetricsProvider {
	return func(chainID string) (*consensus.Metrics, *mempl.Metrics) {
		if config.Prometheus {
			return consensus.PrometheusMetrics(config.Namespace, "chain_id", chainID),
				mempl.PrometheusMetrics(config.Namespace, "chain_id", chainID)
		}
		return consensus.NopMetrics(), mempl.NopMetrics()
	}
}

// Node 一个完整的dbft节点：账本、mempool、共识以及p2p和rpc
type Node struct {
	service.BaseService

	// config
	config        *cfg.Config
	genesisDoc    *types.GenesisDoc
	privValidator types.PrivValidator

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch // p2p connections
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey // our node privkey

	// services
	ledgerStore      *store.KVStore
	blobStore        store.BlobStore
	valMgr           *state.ValidatorManager
	ledger           *state.Ledger
	mempool          *mempl.ListMempool
	mempoolReactor   *mempl.Reactor
	consensusService *consensus.ConsensusService
	consensusReactor *consensus.Reactor
	metricSet        *metric.MetricSet

	rpcListeners  []net.Listener
	prometheusSrv *http.Server
}

type Option func(*Node)

// DefaultNewNode 从配置目录读取节点密钥、验证者密钥和创世文件
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}

	pv, err := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile(), privval.KeyTypeEd25519)
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen validator key %s: %w", config.PrivValidatorKeyFile(), err)
	}

	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}

	return NewNode(config, pv, nodeKey, genDoc,
		DefaultMetricsProvider(config.Instrumentation), logger)
}

func createTransport(
	config *cfg.Config,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
) *p2p.MultiplexTransport {
	var (
		mConnConfig = conn.DefaultMConnConfig()
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)

	// Limit the number of incoming connections.
	max := config.P2P.MaxNumInboundPeers + len(splitAndTrimEmpty(config.P2P.UnconditionalPeerIDs, ",", " "))
	p2p.MultiplexTransportMaxIncomingConnections(max)(transport)

	return transport
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	mempoolReactor *mempl.Reactor,
	consensusReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("MEMPOOL", mempoolReactor)
	sw.AddReactor("CONSENSUS", consensusReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

// loadLedger 账本为空时写入创世区块，否则从store恢复state
// 创世验证者总是注册到valMgr中
func loadLedger(
	genDoc *types.GenesisDoc,
	ledgerStore *store.KVStore,
	valMgr *state.ValidatorManager,
) (state.State, error) {
	genState, genesis, err := state.MakeGenesisState(genDoc, valMgr)
	if err != nil {
		return state.State{}, err
	}

	stored, err := ledgerStore.LoadState()
	if err != nil {
		return state.State{}, err
	}
	if stored.IsEmpty() {
		if err := ledgerStore.CommitBlock(genState, genesis); err != nil {
			return state.State{}, fmt.Errorf("saving genesis block: %w", err)
		}
		return genState, nil
	}
	if stored.ChainID != genDoc.ChainID {
		return state.State{}, fmt.Errorf("stored chain id %q does not match genesis %q", stored.ChainID, genDoc.ChainID)
	}
	return stored, nil
}

// NewNode returns a new, ready to go node.
func NewNode(config *cfg.Config,
	privValidator types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
	metricsProvider MetricsProvider,
	logger log.Logger,
	options ...Option) (*Node, error) {

	if err := config.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ledgerStore, err := store.NewKVStore(config.DBBackend, "ledger", config.DBDir(), logger.With("module", "store"))
	if err != nil {
		return nil, err
	}
	blobStore, err := store.NewBlobStore(config.DBFT.DBBackend, "consensus", config.DBDir())
	if err != nil {
		return nil, err
	}

	valMgr := state.NewValidatorManager(config.DBFT)
	valMgr.SetLogger(logger.With("module", "validators"))
	st, err := loadLedger(genDoc, ledgerStore, valMgr)
	if err != nil {
		blobStore.Close()
		ledgerStore.Close()
		return nil, err
	}
	logger.Info("Loaded ledger", "height", st.LastBlockIndex, "hash", st.LastBlockHash, "validators", st.Validators.Size())

	csMetrics, memplMetrics := metricsProvider(genDoc.ChainID)

	// mempool
	mempool := mempl.NewListMempool(config.Mempool, st.LastBlockIndex, mempl.WithMetrics(memplMetrics))
	mempool.SetLogger(logger.With("module", "mempool"))
	mempoolReactor := mempl.NewReactor(config.Mempool, mempool)
	mempoolReactor.SetLogger(logger.With("module", "mempool"))

	ledger := state.NewLedger(st, ledgerStore, state.NewBlockExecutor(ledgerStore, mempool, valMgr), valMgr)
	ledger.SetLogger(logger.With("module", "state"))

	// consensus
	consensusService := consensus.NewConsensusService(config.DBFT, ledger, privValidator, mempool, blobStore,
		consensus.WithMetrics(csMetrics),
		consensus.WithTxFetcher(mempoolReactor),
	)
	consensusService.SetLogger(logger.With("module", "consensus"))
	mempool.OnNewTx(consensusService.OnTransaction)

	consensusReactor := consensus.NewReactor(consensusService)
	consensusReactor.SetLogger(logger.With("module", "consensus"))

	metricSet := metric.NewMetricSet()
	if err := metricSet.SetMetrics("consensus", consensusService.Metric()); err != nil {
		return nil, err
	}
	if err := metricSet.SetMetrics("mempool", mempool.Metric()); err != nil {
		return nil, err
	}
	if err := metricSet.SetMetrics("ledger", metric.JSONFunc(func() interface{} {
		s := ledger.State()
		return map[string]interface{}{
			"height":          s.LastBlockIndex,
			"hash":            s.LastBlockHash.String(),
			"last_block_time": s.LastBlockTime,
			"validators":      s.Validators.Size(),
		}
	})); err != nil {
		return nil, err
	}

	p2pLogger := logger.With("module", "p2p")

	// setup node identity
	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc)
	if err != nil {
		return nil, err
	}

	// Setup Transport.
	transport := createTransport(config, nodeInfo, nodeKey)

	// Setup Switch.
	sw := createSwitch(
		config, transport, mempoolReactor, consensusReactor, nodeInfo, nodeKey, p2pLogger,
	)

	err = sw.AddPersistentPeers(splitAndTrimEmpty(config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return nil, fmt.Errorf("could not add peers from persistent_peers field: %w", err)
	}

	node := &Node{
		config:        config,
		genesisDoc:    genDoc,
		privValidator: privValidator,

		transport: transport,
		sw:        sw,
		nodeInfo:  nodeInfo,
		nodeKey:   nodeKey,

		ledgerStore:      ledgerStore,
		blobStore:        blobStore,
		valMgr:           valMgr,
		ledger:           ledger,
		mempool:          mempool,
		mempoolReactor:   mempoolReactor,
		consensusService: consensusService,
		consensusReactor: consensusReactor,
		metricSet:        metricSet,
	}

	node.BaseService = *service.NewBaseService(logger, "Node", node)
	for _, option := range options {
		option(node)
	}

	return node, nil
}

func (n *Node) OnStart() error {
	now := time.Now()
	genTime := n.genesisDoc.GenesisTime
	if genTime.After(now) {
		n.Logger.Info("Genesis time is in the future. Sleeping until then...", "genTime", genTime)
		time.Sleep(genTime.Sub(now))
	}

	if n.config.Instrumentation.Prometheus &&
		n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	// Start the RPC server before the P2P server
	// so we can eg. receive txs for the first block
	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// start the Switch
	err = n.sw.Start()
	if err != nil {
		return err
	}

	// 连接其他节点
	n.Logger.Info("dial persistent peers", "peers", n.config.P2P.PersistentPeers)
	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	// 网络就绪后再启动共识
	return n.consensusService.Start()
}

func (n *Node) OnStop() {
	n.BaseService.OnStop()

	n.Logger.Info("Stopping Node")

	if err := n.consensusService.Stop(); err != nil {
		n.Logger.Error("Error closing consensus", "err", err)
	}
	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("Error closing switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("Error closing transport", "err", err)
	}

	// finally stop the listeners / external services
	for _, l := range n.rpcListeners {
		n.Logger.Info("Closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			n.Logger.Error("Error closing listener", "listener", l, "err", err)
		}
	}
	if n.prometheusSrv != nil {
		if err := n.prometheusSrv.Shutdown(context.Background()); err != nil {
			// Error from closing listeners, or context timeout:
			n.Logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}

	if err := n.blobStore.Close(); err != nil {
		n.Logger.Error("Error closing consensus store", "err", err)
	}
	if err := n.ledgerStore.Close(); err != nil {
		n.Logger.Error("Error closing ledger store", "err", err)
	}
}

// ConfigureRPC 设置rpc handler使用的节点组件
func (n *Node) ConfigureRPC() {
	rpc.SetEnvironment(&rpc.Environment{
		Ledger:           n.ledger,
		Mempool:          n.mempool,
		Consensus:        n.consensusService,
		ValidatorManager: n.valMgr,
		P2PPeers:         n.sw.Peers(),
		NodeInfo:         n.nodeInfo,
		MetricSet:        n.metricSet,
		Logger:           n.Logger.With("module", "rpc"),
	})
}

func (n *Node) startRPC() ([]net.Listener, error) {
	n.ConfigureRPC()

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	config := rpcserver.DefaultConfig()
	config.MaxBodyBytes = n.config.RPC.MaxBodyBytes
	config.MaxHeaderBytes = n.config.RPC.MaxHeaderBytes
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections

	listeners := make([]net.Listener, len(listenAddrs))
	for i, listenAddr := range listenAddrs {
		mux := http.NewServeMux()
		rpcLogger := n.Logger.With("module", "rpc-server")
		wmLogger := rpcLogger.With("protocol", "websocket")
		wm := rpcserver.NewWebsocketManager(rpc.Routes,
			rpcserver.ReadLimit(config.MaxBodyBytes),
		)
		wm.SetLogger(wmLogger)
		mux.HandleFunc("/websocket", wm.WebsocketHandler)
		rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)

		listener, err := rpcserver.Listen(listenAddr, config)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil {
				n.Logger.Error("Error serving server", "err", err)
			}
		}()
		listeners[i] = listener
	}
	return listeners, nil
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: n.config.Instrumentation.MaxOpenConnections},
			),
		),
	}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// Error starting or closing listener:
			n.Logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) Ledger() *state.Ledger {
	return n.ledger
}

func (n *Node) Mempool() *mempl.ListMempool {
	return n.mempool
}

func (n *Node) ConsensusService() *consensus.ConsensusService {
	return n.consensusService
}

func (n *Node) GenesisDoc() *types.GenesisDoc {
	return n.genesisDoc
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. If sep is empty, SplitAndTrim splits after each
// UTF-8 sequence. First part is equivalent to strings.SplitN with a count of
// -1.  also filter out empty strings, only return non-empty strings.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
