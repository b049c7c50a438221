package consensus

import (
	"bytes"
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	tmtime "github.com/tendermint/tendermint/types/time"

	cstypes "dbft_demo/consensus/types"
	"dbft_demo/store"
	"dbft_demo/types"
)

// NextValidatorsProvider 提供某个高度的验证者集合，只在Reset(0)时调用
type NextValidatorsProvider interface {
	GetNextBlockValidators(index uint32) (*types.ValidatorSet, error)
}

// Ledger 共识使用的账本能力
type Ledger interface {
	NextValidatorsProvider

	ChainID() string
	CurrentIndex() uint32
	CurrentHash() tmbytes.HexBytes
	LastBlockTimestamp() uint64
	ContainsTransaction(hash []byte) bool

	// SubmitFinalizedBlock 账本可以拒绝区块，共识继续下一个高度
	SubmitFinalizedBlock(block *types.Block) error
}

// ConsensusContext 一个高度内的轮次状态，只由ConsensusService的事件循环修改
//
// 四个payload数组长度都等于验证者数量N，下标就是验证者index。
type ConsensusContext struct {
	Block      types.Header
	ViewNumber uint8
	Validators *types.ValidatorSet
	MyIndex    int32

	// nil表示当前view还没有提案，空数组表示空区块
	TransactionHashes []tmbytes.HexBytes
	Transactions      map[types.TxKey]types.Tx

	PreparationPayloads    []*types.ConsensusPayload
	CommitPayloads         []*types.ConsensusPayload
	ChangeViewPayloads     []*types.ConsensusPayload
	LastChangeViewPayloads []*types.ConsensusPayload

	// 验证者地址 => 最后一次收到其消息的高度，跨高度保留
	LastSeenMessage map[string]uint32

	Verification *VerificationContext

	blockSent bool

	privVal types.PrivValidator
	ledger  Ledger
	store   store.BlobStore
	logger  log.Logger
}

func NewConsensusContext(ledger Ledger, privVal types.PrivValidator, blobStore store.BlobStore) *ConsensusContext {
	return &ConsensusContext{
		MyIndex:      -1,
		Validators:   types.NewValidatorSet(nil),
		Verification: NewVerificationContext(),
		privVal:      privVal,
		ledger:       ledger,
		store:        blobStore,
		logger:       log.NewNopLogger(),
	}
}

func (cc *ConsensusContext) SetLogger(logger log.Logger) {
	cc.logger = logger
}

func (cc *ConsensusContext) ChainID() string {
	return cc.ledger.ChainID()
}

// Reset view为0时开始新的高度，否则在当前高度切换到新的view
func (cc *ConsensusContext) Reset(view uint8) error {
	if view == 0 {
		index := cc.ledger.CurrentIndex() + 1
		vals, err := cc.ledger.GetNextBlockValidators(index)
		if err != nil {
			return fmt.Errorf("validators for block %d: %w", index, err)
		}
		nextVals, err := cc.ledger.GetNextBlockValidators(index + 1)
		if err != nil {
			return fmt.Errorf("validators for block %d: %w", index+1, err)
		}

		cc.Validators = vals
		cc.Block = types.Header{
			Version:       types.BlockVersion,
			PrevHash:      cc.ledger.CurrentHash(),
			Index:         index,
			NextConsensus: types.ConsensusAddress(nextVals),
		}
		cc.blockSent = false

		n := vals.Size()
		cc.CommitPayloads = make([]*types.ConsensusPayload, n)
		cc.ChangeViewPayloads = make([]*types.ConsensusPayload, n)
		cc.LastChangeViewPayloads = make([]*types.ConsensusPayload, n)

		if cc.LastSeenMessage == nil {
			cc.LastSeenMessage = make(map[string]uint32, n)
		}
		for _, val := range vals.Validators {
			if _, ok := cc.LastSeenMessage[val.Address.String()]; !ok {
				cc.LastSeenMessage[val.Address.String()] = index - 1
			}
		}

		cc.MyIndex = -1
		for i, val := range vals.Validators {
			if cc.privVal != nil && cc.privVal.ContainsSignable(val.PubKey) {
				cc.MyIndex = int32(i)
				break
			}
		}
	} else {
		for i, p := range cc.ChangeViewPayloads {
			if p != nil && changeViewTarget(p) >= view {
				cc.LastChangeViewPayloads[i] = p
			} else {
				cc.LastChangeViewPayloads[i] = nil
			}
		}
	}

	cc.ViewNumber = view
	cc.Block.PrimaryIndex = cc.Validators.PrimaryIndex(cc.Block.Index, view)
	cc.Block.MerkleRoot = nil
	cc.Block.Timestamp = 0
	cc.Block.Nonce = 0
	cc.TransactionHashes = nil
	cc.Transactions = nil
	cc.Verification = NewVerificationContext()
	cc.PreparationPayloads = make([]*types.ConsensusPayload, cc.Validators.Size())
	if cc.MyIndex >= 0 {
		cc.LastSeenMessage[cc.myAddress()] = cc.Block.Index
	}
	return nil
}

//----------------------------------------
// 角色与进度

func (cc *ConsensusContext) F() int {
	return cc.Validators.F()
}

func (cc *ConsensusContext) M() int {
	return cc.Validators.M()
}

func (cc *ConsensusContext) WatchOnly() bool {
	return cc.MyIndex < 0
}

func (cc *ConsensusContext) IsPrimary() bool {
	return !cc.WatchOnly() && uint8(cc.MyIndex) == cc.Block.PrimaryIndex
}

func (cc *ConsensusContext) IsBackup() bool {
	return !cc.WatchOnly() && uint8(cc.MyIndex) != cc.Block.PrimaryIndex
}

func (cc *ConsensusContext) Role() cstypes.RoleType {
	switch {
	case cc.WatchOnly():
		return cstypes.RoleWatchOnly
	case cc.IsPrimary():
		return cstypes.RolePrimary
	default:
		return cstypes.RoleBackup
	}
}

func (cc *ConsensusContext) RequestSentOrReceived() bool {
	return int(cc.Block.PrimaryIndex) < len(cc.PreparationPayloads) &&
		cc.PreparationPayloads[cc.Block.PrimaryIndex] != nil
}

func (cc *ConsensusContext) ResponseSent() bool {
	return !cc.WatchOnly() && cc.PreparationPayloads[cc.MyIndex] != nil
}

func (cc *ConsensusContext) CommitSent() bool {
	return !cc.WatchOnly() && cc.CommitPayloads[cc.MyIndex] != nil
}

func (cc *ConsensusContext) BlockSent() bool {
	return cc.blockSent
}

// ViewChanging 自己已经请求了更高的view
func (cc *ConsensusContext) ViewChanging() bool {
	if cc.WatchOnly() {
		return false
	}
	p := cc.ChangeViewPayloads[cc.MyIndex]
	return p != nil && changeViewTarget(p) > cc.ViewNumber
}

// NotAcceptingPayloadsDueToViewChanging 换视图期间暂停接收新的payload，
// 直到超过F个节点已经commit或者失联
func (cc *ConsensusContext) NotAcceptingPayloadsDueToViewChanging() bool {
	return cc.ViewChanging() && !cc.MoreThanFNodesCommittedOrLost()
}

func (cc *ConsensusContext) MoreThanFNodesCommittedOrLost() bool {
	return cc.CountCommitted()+cc.CountFailed() > cc.F()
}

// CountCommitted 所有view的commit数量
func (cc *ConsensusContext) CountCommitted() int {
	return countNonNil(cc.CommitPayloads)
}

// CountCommittedInView 当前view的commit数量，只有这些参与出块
func (cc *ConsensusContext) CountCommittedInView() int {
	count := 0
	for _, p := range cc.CommitPayloads {
		if p != nil && p.ViewNumber == cc.ViewNumber {
			count++
		}
	}
	return count
}

// CountFailed 在上一个高度之后没有发过消息的验证者数量
func (cc *ConsensusContext) CountFailed() int {
	if len(cc.LastSeenMessage) == 0 {
		return 0
	}
	threshold := uint32(0)
	if cc.Block.Index > 0 {
		threshold = cc.Block.Index - 1
	}
	count := 0
	for _, val := range cc.Validators.Validators {
		seen, ok := cc.LastSeenMessage[val.Address.String()]
		if !ok || seen < threshold {
			count++
		}
	}
	return count
}

func (cc *ConsensusContext) CountPreparations() int {
	return countNonNil(cc.PreparationPayloads)
}

// CountChangeViews 目标view不低于view的ChangeView数量
func (cc *ConsensusContext) CountChangeViews(view uint8) int {
	count := 0
	for _, p := range cc.ChangeViewPayloads {
		if p != nil && changeViewTarget(p) >= view {
			count++
		}
	}
	return count
}

// HasAllTransactions 提案中的交易是否都已经收到
func (cc *ConsensusContext) HasAllTransactions() bool {
	return cc.TransactionHashes != nil && len(cc.Transactions) == len(cc.TransactionHashes)
}

// MissingTransactions 还没有收到的交易hash
func (cc *ConsensusContext) MissingTransactions() []tmbytes.HexBytes {
	var missing []tmbytes.HexBytes
	for _, h := range cc.TransactionHashes {
		if _, ok := cc.Transactions[hashKey(h)]; !ok {
			missing = append(missing, h)
		}
	}
	return missing
}

// Step 按照收集到的payload推出状态机的阶段
func (cc *ConsensusContext) Step() cstypes.RoundStepType {
	switch {
	case cc.BlockSent():
		return cstypes.RoundStepFinalized
	case cc.CommitSent():
		return cstypes.RoundStepCommitting
	case cc.ViewChanging():
		return cstypes.RoundStepViewChanging
	case cc.RequestSentOrReceived():
		return cstypes.RoundStepPreparing
	default:
		return cstypes.RoundStepInitial
	}
}

//----------------------------------------
// 区块

// EnsureHeader 提案确定后计算merkle root，没有提案时返回nil
func (cc *ConsensusContext) EnsureHeader() *types.Header {
	if cc.TransactionHashes == nil {
		return nil
	}
	cc.Block.MerkleRoot = types.MerkleRoot(cc.TransactionHashes)
	return &cc.Block
}

// BlockHash 当前提案的区块hash，不修改context
func (cc *ConsensusContext) BlockHash() tmbytes.HexBytes {
	if cc.TransactionHashes == nil {
		return nil
	}
	header := cc.Block
	header.MerkleRoot = types.MerkleRoot(cc.TransactionHashes)
	return header.Hash()
}

// CreateBlock 使用当前view中index最小的M个commit签名组装见证
func (cc *ConsensusContext) CreateBlock() (*types.Block, error) {
	header := cc.EnsureHeader()
	if header == nil {
		return nil, ErrNoProposal
	}
	if !cc.HasAllTransactions() {
		return nil, fmt.Errorf("missing %d transactions", len(cc.MissingTransactions()))
	}

	txs := make(types.Txs, 0, len(cc.TransactionHashes))
	for _, h := range cc.TransactionHashes {
		txs = append(txs, cc.Transactions[hashKey(h)])
	}

	sigs := make([]types.CommitSig, 0, cc.M())
	for i, p := range cc.CommitPayloads {
		if len(sigs) == cc.M() {
			break
		}
		if p == nil || p.ViewNumber != cc.ViewNumber {
			continue
		}
		msg, err := p.GetMessage()
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, types.CommitSig{
			ValidatorIndex: uint8(i),
			Signature:      msg.(*types.Commit).Signature,
		})
	}
	if len(sigs) < cc.M() {
		return nil, types.ErrNotEnoughSignatures{Got: len(sigs), Needed: cc.M()}
	}

	return &types.Block{
		Header:       *header,
		Transactions: txs,
		Witness:      types.NewWitness(cc.ViewNumber, sigs),
	}, nil
}

// VerifyCommit 检查commit是否是validatorIndex对当前区块的签名
func (cc *ConsensusContext) VerifyCommit(validatorIndex uint8, commit *types.Commit) bool {
	hash := cc.BlockHash()
	if hash == nil || !bytes.Equal(hash, commit.BlockHash) {
		return false
	}
	_, val := cc.Validators.GetByIndex(int32(validatorIndex))
	if val == nil {
		return false
	}
	return val.PubKey.VerifySignature(types.BlockSignBytes(cc.ChainID(), hash), commit.Signature)
}

// ExpectedBlockSize 当前提案组装成区块后的大小
func (cc *ConsensusContext) ExpectedBlockSize() int64 {
	return cc.Verification.ExpectedBlockSize()
}

//----------------------------------------
// 构造payload

func (cc *ConsensusContext) makeSignedPayload(msg types.ConsensusMessage) (*types.ConsensusPayload, error) {
	if cc.WatchOnly() {
		return nil, ErrWatchOnly
	}
	p, err := types.NewConsensusPayload(cc.Block.Index, uint8(cc.MyIndex), cc.ViewNumber, msg)
	if err != nil {
		return nil, err
	}
	if err := p.Sign(cc.ChainID(), cc.privVal); err != nil {
		return nil, err
	}
	return p, nil
}

// MakeChangeView 请求切换到newView
func (cc *ConsensusContext) MakeChangeView(newView uint8, reason types.ChangeViewReason) (*types.ConsensusPayload, error) {
	p, err := cc.makeSignedPayload(&types.ChangeView{
		NewViewNumber: newView,
		Reason:        reason,
		Timestamp:     nowMillis(),
	})
	if err != nil {
		return nil, err
	}
	cc.ChangeViewPayloads[cc.MyIndex] = p
	return p, nil
}

// MakePrepareRequest primary固定提案并签名
func (cc *ConsensusContext) MakePrepareRequest(proposal *types.BlockProposal) (*types.ConsensusPayload, error) {
	cc.Block.Timestamp = proposal.Timestamp
	cc.Block.Nonce = tmrand.Uint64()
	cc.Block.MerkleRoot = nil
	cc.TransactionHashes = proposal.TransactionHashes()
	cc.Transactions = make(map[types.TxKey]types.Tx, len(proposal.Transactions))
	cc.Verification = NewVerificationContext()
	for _, tx := range proposal.Transactions {
		cc.Transactions[tx.Key()] = tx
		cc.Verification.AddTransaction(tx)
	}

	p, err := cc.makeSignedPayload(&types.PrepareRequest{
		Version:           cc.Block.Version,
		PrevHash:          cc.Block.PrevHash,
		Timestamp:         cc.Block.Timestamp,
		Nonce:             cc.Block.Nonce,
		BlockHash:         cc.BlockHash(),
		TransactionHashes: cc.TransactionHashes,
	})
	if err != nil {
		return nil, err
	}
	cc.PreparationPayloads[cc.MyIndex] = p
	return p, nil
}

func (cc *ConsensusContext) MakePrepareResponse() (*types.ConsensusPayload, error) {
	hash := cc.BlockHash()
	if hash == nil {
		return nil, ErrNoProposal
	}
	p, err := cc.makeSignedPayload(&types.PrepareResponse{BlockHash: hash})
	if err != nil {
		return nil, err
	}
	cc.PreparationPayloads[cc.MyIndex] = p
	return p, nil
}

// MakeCommit 已经commit过时返回原来的payload
func (cc *ConsensusContext) MakeCommit() (*types.ConsensusPayload, error) {
	if cc.CommitSent() {
		return cc.CommitPayloads[cc.MyIndex], nil
	}
	hash := cc.BlockHash()
	if hash == nil {
		return nil, ErrNoProposal
	}
	sig, err := cc.privVal.Sign(types.BlockSignBytes(cc.ChainID(), hash))
	if err != nil {
		return nil, err
	}
	p, err := cc.makeSignedPayload(&types.Commit{BlockHash: hash, Signature: sig})
	if err != nil {
		return nil, err
	}
	cc.CommitPayloads[cc.MyIndex] = p
	return p, nil
}

func (cc *ConsensusContext) MakeRecoveryRequest() (*types.ConsensusPayload, error) {
	return cc.makeSignedPayload(&types.RecoveryRequest{Timestamp: nowMillis()})
}

// MakeRecoveryMessage 打包当前高度已知的payload
func (cc *ConsensusContext) MakeRecoveryMessage() (*types.ConsensusPayload, error) {
	msg := &types.RecoveryMessage{}

	for i := range cc.ChangeViewPayloads {
		p := cc.ChangeViewPayloads[i]
		if p == nil || changeViewTarget(p) <= cc.ViewNumber {
			if last := cc.LastChangeViewPayloads[i]; last != nil {
				p = last
			}
		}
		if p != nil {
			msg.ChangeViewPayloads = append(msg.ChangeViewPayloads, p)
		}
	}

	if cc.RequestSentOrReceived() {
		msg.PrepareRequestPayload = cc.PreparationPayloads[cc.Block.PrimaryIndex]
	} else {
		msg.PreparationHash = cc.mostVotedPreparationHash()
	}
	for i, p := range cc.PreparationPayloads {
		if p != nil && uint8(i) != cc.Block.PrimaryIndex {
			msg.PreparationPayloads = append(msg.PreparationPayloads, p)
		}
	}

	if cc.CommitSent() {
		for _, p := range cc.CommitPayloads {
			if p != nil {
				msg.CommitPayloads = append(msg.CommitPayloads, p)
			}
		}
	}

	return cc.makeSignedPayload(msg)
}

// mostVotedPreparationHash PrepareResponse中出现次数最多的区块hash
func (cc *ConsensusContext) mostVotedPreparationHash() tmbytes.HexBytes {
	votes := make(map[string]int)
	var best tmbytes.HexBytes
	for _, p := range cc.PreparationPayloads {
		if p == nil || p.Kind != types.PrepareResponseKind {
			continue
		}
		msg, err := p.GetMessage()
		if err != nil {
			continue
		}
		hash := msg.(*types.PrepareResponse).BlockHash
		votes[string(hash)]++
		if best == nil || votes[string(hash)] > votes[string(best)] {
			best = hash
		}
	}
	return best
}

// RoundState 当前状态的快照
func (cc *ConsensusContext) RoundState() cstypes.RoundStateSimple {
	return cstypes.RoundStateSimple{
		Height:       cc.Block.Index,
		View:         cc.ViewNumber,
		Step:         cc.Step().String(),
		Role:         cc.Role().String(),
		PrimaryIndex: cc.Block.PrimaryIndex,
		MyIndex:      cc.MyIndex,
		BlockHash:    cc.BlockHash(),
		Validators:   cc.Validators.Size(),
		Preparations: cc.CountPreparations(),
		Commits:      cc.CountCommitted(),
		ChangeViews:  countNonNil(cc.ChangeViewPayloads),
		Failed:       cc.CountFailed(),
	}
}

func (cc *ConsensusContext) myAddress() string {
	addr, _ := cc.Validators.GetByIndex(cc.MyIndex)
	return types.Address(addr).String()
}

//----------------------------------------

func changeViewTarget(p *types.ConsensusPayload) uint8 {
	msg, err := p.GetMessage()
	if err != nil {
		return 0
	}
	cv, ok := msg.(*types.ChangeView)
	if !ok {
		return 0
	}
	return cv.NewViewNumber
}

func countNonNil(payloads []*types.ConsensusPayload) int {
	count := 0
	for _, p := range payloads {
		if p != nil {
			count++
		}
	}
	return count
}

func hashKey(hash []byte) types.TxKey {
	var key types.TxKey
	copy(key[:], hash)
	return key
}

func nowMillis() uint64 {
	return uint64(tmtime.Now().UnixNano() / 1e6)
}
