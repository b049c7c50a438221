package consensus

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/p2p"

	"dbft_demo/types"
)

const (
	ConsensusChannel = byte(0x20)

	// RecoveryMessage最多携带4N个payload
	maxMsgSize = 4 * 1048576
)

const subscriber = "consensus-reactor"

// ------- Reactor ------
// Reactor 在节点之间转发共识payload，不做任何共识判断
type Reactor struct {
	p2p.BaseReactor

	consensus *ConsensusService
}

func NewReactor(consensus *ConsensusService) *Reactor {
	conR := &Reactor{
		consensus: consensus,
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)
	return conR
}

func (conR *Reactor) OnStart() error {
	conR.subscribeToBroadcastEvents()
	conR.Logger.Info("Consensus Reactor started.")
	return nil
}

func (conR *Reactor) OnStop() {
	conR.consensus.eventSwitch.RemoveListener(subscriber)
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  ConsensusChannel,
			Priority:            10,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  maxMsgSize,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	return peer
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.Logger.Debug("add peer", "peer", peer.ID())
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.Logger.Debug("remove peer", "peer", peer.ID(), "reason", reason)
}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID, "bytes", msgBytes)
		return
	}

	switch chID {
	case ConsensusChannel:
		var payload types.ConsensusPayload
		if err := tmjson.Unmarshal(msgBytes, &payload); err != nil {
			conR.Logger.Error("try to unmarshal payload failed", "err", err, "src", src.ID())
			conR.Switch.StopPeerForError(src, err)
			return
		}
		conR.Logger.Debug(fmt.Sprintf("Receive payload from #{%v}", src.ID()), "payload", &payload)
		conR.consensus.ReceivePayload(&payload, src.ID())

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

// subscribeToBroadcastEvents订阅consensus需要广播的payload
func (conR *Reactor) subscribeToBroadcastEvents() {
	err := conR.consensus.eventSwitch.AddListenerForEvent(subscriber, EventBroadcastPayload,
		func(data events.EventData) {
			// consensus已经签名，接收者自己验证
			conR.broadcastPayload(data.(*types.ConsensusPayload))
		})
	if err != nil {
		conR.Logger.Error("failed to subscribe to broadcast events", "err", err)
	}
}

func (conR *Reactor) broadcastPayload(p *types.ConsensusPayload) {
	bz, err := tmjson.Marshal(p)
	if err != nil {
		conR.Logger.Error("Marshal payload failed.", "err", err, "payload", p)
		return
	}
	conR.Logger.Debug("ready to broadcast payload", "payload", p)
	conR.Switch.Broadcast(ConsensusChannel, bz)
}
