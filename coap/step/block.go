/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package step

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/facebook/coap/message"
	"github.com/facebook/coap/transport"
)

// blockValue is a decoded Block1/Block2 option value, RFC 7959
// section 2.1: a block number, a more-blocks flag, and a size
// exponent (block size is 2^(szx+4) bytes).
type blockValue struct {
	num  uint32
	more bool
	szx  uint8
}

func decodeBlock(b []byte) blockValue {
	v := decodeUint32(b)
	return blockValue{num: v >> 4, more: v&0x8 != 0, szx: uint8(v & 0x7)}
}

func (b blockValue) encode() []byte {
	v := (b.num << 4) | uint32(b.szx)
	if b.more {
		v |= 0x8
	}
	return encodeUint32(v)
}

func decodeUint32(b []byte) uint32 {
	var v uint32
	for _, x := range b {
		v = (v << 8) | uint32(x)
	}
	return v
}

func encodeUint32(v uint32) []byte {
	if v == 0 {
		return []byte{0}
	}
	var b []byte
	for v > 0 {
		b = append([]byte{byte(v)}, b...)
		v >>= 8
	}
	return b
}

// pieceState is the status of one block in a reassembly.
type pieceState int

const (
	pieceMissing pieceState = iota
	pieceWaiting
	pieceHave
)

type piece struct {
	state pieceState
	data  []byte
}

// exchangeState tracks an in-progress blockwise reassembly: the
// highest block number observed so far, the original message it
// started from, and every piece seen or expected. request is only
// populated for a response reassembly (respByTok): the client's
// outbound request, kept so a missing-block recovery request can be
// built from it rather than from an inbound response.
type exchangeState struct {
	biggest  uint32
	hasAny   bool
	original *Addressed
	request  *message.Message
	pieces   map[uint32]*piece
}

// cacheKeyOptions are the request options RFC 7252 section 5.4.6 marks
// as part of the cache key, the set preserved when a missing-block
// recovery request is cloned from the original.
var cacheKeyOptions = []message.OptionNumber{
	message.IfMatch,
	message.URIHost,
	message.IfNoneMatch,
	message.URIPort,
	message.URIPath,
	message.ContentFormat,
	message.URIQuery,
	message.Accept,
	message.ProxyURI,
	message.ProxyScheme,
}

// cacheKeyClone builds a follow-up request carrying only req's
// cache-key-affecting options, per spec.md section 4.4.8.
func cacheKeyClone(req *message.Message) *message.Message {
	out := message.New(req.Type, req.Code, req.ID, req.Token)
	for _, opt := range cacheKeyOptions {
		for _, v := range req.Options.GetAll(opt) {
			out.Options.Add(opt, v)
		}
	}
	return out
}

type exchangeKey struct {
	addr  netip.AddrPort
	ident string
}

// Block reassembles blockwise-transferred bodies, per spec.md
// section 4.4.8, with the direction naming resolved per SPEC_FULL.md
// section 4.4: Block1 carries the request body ascending to the
// server, Block2 the response body ascending from the server.
type Block struct {
	Inner Step

	mu        sync.Mutex
	reqByTok  map[exchangeKey]*exchangeState // keyed by (addr, token)
	respByTok map[exchangeKey]*exchangeState // keyed by (addr, token)
}

// NewBlock wraps inner.
func NewBlock(inner Step) *Block {
	return &Block{
		Inner:     inner,
		reqByTok:  make(map[exchangeKey]*exchangeState),
		respByTok: make(map[exchangeKey]*exchangeState),
	}
}

func reqKey(addr netip.AddrPort, token message.Token) exchangeKey {
	return exchangeKey{addr: addr, ident: "req:" + token.String()}
}

func respKey(addr netip.AddrPort, token message.Token) exchangeKey {
	return exchangeKey{addr: addr, ident: "tok:" + token.String()}
}

// PollReq implements Step.
func (b *Block) PollReq(snap *transport.Snapshot, effects *[]transport.Effect) (*Addressed, error, bool) {
	req, err, blocked := b.Inner.PollReq(snap, effects)
	if err != nil || blocked || req == nil {
		return req, err, blocked
	}

	blk, ok := req.Value.Options.Get(message.Block1)
	if !ok {
		return req, nil, false
	}
	return b.handleRequestBlock(effects, req, decodeBlock(blk))
}

func (b *Block) handleRequestBlock(effects *[]transport.Effect, req *Addressed, blk blockValue) (*Addressed, error, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := reqKey(req.Addr, req.Value.Token)
	state, known := b.reqByTok[key]

	switch {
	case blk.num == 0 && !known:
		state = &exchangeState{biggest: 0, hasAny: true, original: req, pieces: map[uint32]*piece{0: {state: pieceHave, data: req.Value.Payload}}}
		b.reqByTok[key] = state
		if blk.more {
			b.sendControl(effects, req, message.Continue)
			return nil, nil, true
		}
		delete(b.reqByTok, key)
		return req, nil, false

	case known && blk.num == state.biggest+1:
		state.pieces[blk.num] = &piece{state: pieceHave, data: req.Value.Payload}
		state.biggest = blk.num
		if blk.more {
			b.sendControl(effects, req, message.Continue)
			return nil, nil, true
		}
		complete := assembleRequest(state)
		delete(b.reqByTok, key)
		return complete, nil, false

	default:
		delete(b.reqByTok, key)
		b.sendControl(effects, req, message.RequestEntityIncomplete)
		return nil, nil, true
	}
}

func (b *Block) sendControl(effects *[]transport.Effect, req *Addressed, code message.Code) {
	resp := message.New(message.Acknowledgement, code, req.Value.ID, req.Value.Token)
	*effects = append(*effects, transport.SendDgram(transport.New(mustBytes(resp), req.Addr)))
}

func assembleRequest(state *exchangeState) *Addressed {
	nums := make([]uint32, 0, len(state.pieces))
	for n := range state.pieces {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	out := state.original.Value.Clone()
	out.Options.Remove(message.Block1)
	out.Payload = nil
	for _, n := range nums {
		out.Payload = append(out.Payload, state.pieces[n].data...)
	}
	addressed := transport.New(out, state.original.Addr)
	return &addressed
}

// PollResp implements Step.
func (b *Block) PollResp(snap *transport.Snapshot, effects *[]transport.Effect, token message.Token, addr netip.AddrPort) (*Addressed, error, bool) {
	resp, err, blocked := b.Inner.PollResp(snap, effects, token, addr)
	if err != nil || blocked || resp == nil {
		return resp, err, blocked
	}

	blk, ok := resp.Value.Options.Get(message.Block2)
	if !ok {
		return resp, nil, false
	}
	return b.handleResponseBlock(effects, resp, decodeBlock(blk))
}

func (b *Block) handleResponseBlock(effects *[]transport.Effect, resp *Addressed, blk blockValue) (*Addressed, error, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := respKey(resp.Addr, resp.Value.Token)
	state, known := b.respByTok[key]
	if !known {
		state = &exchangeState{original: resp, pieces: map[uint32]*piece{}}
		b.respByTok[key] = state
	} else if state.original == nil {
		state.original = resp
	}
	state.pieces[blk.num] = &piece{state: pieceHave, data: resp.Value.Payload}
	if blk.num > state.biggest || !state.hasAny {
		state.biggest = blk.num
		state.hasAny = true
	}
	if blk.more {
		state.pieces[blk.num+1] = &piece{state: pieceWaiting}
	}

	var missing []uint32
	for n := uint32(0); n <= state.biggest; n++ {
		p, ok := state.pieces[n]
		if !ok || p.state != pieceHave {
			missing = append(missing, n)
		}
	}

	for _, n := range missing {
		var req *message.Message
		if state.request != nil {
			req = cacheKeyClone(state.request)
		} else {
			req = state.original.Value.Clone()
			req.Options.Remove(message.Block1)
		}
		req.Options.Set(message.Block2, blockValue{num: n, more: false, szx: blk.szx}.encode())
		*effects = append(*effects, transport.SendDgram(transport.New(mustBytes(req), resp.Addr)))
	}

	if len(missing) > 0 {
		return nil, nil, true
	}
	if blk.more {
		return nil, nil, true
	}

	complete := assembleResponse(state)
	delete(b.respByTok, key)
	return complete, nil, false
}

func assembleResponse(state *exchangeState) *Addressed {
	nums := make([]uint32, 0, len(state.pieces))
	for n, p := range state.pieces {
		if p.state == pieceHave {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	out := state.original.Value.Clone()
	out.Options.Remove(message.Block2)
	out.Payload = nil
	for _, n := range nums {
		out.Payload = append(out.Payload, state.pieces[n].data...)
	}
	addressed := transport.New(out, state.original.Addr)
	return &addressed
}

// BeforeMessageSent implements Step.
func (b *Block) BeforeMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	return b.Inner.BeforeMessageSent(snap, effects, msg)
}

// OnMessageSent implements Step.
func (b *Block) OnMessageSent(snap *transport.Snapshot, effects *[]transport.Effect, msg *Addressed) error {
	if err := b.Inner.OnMessageSent(snap, effects, msg); err != nil {
		return err
	}
	if msg.Value.Code.Kind() == message.KindRequest {
		b.seedRequestState(msg)
	}
	return nil
}

// seedRequestState records msg as the request a future blockwise
// response reassembly under the same (addr, token) should recover
// from, per spec.md section 4.4.8.
func (b *Block) seedRequestState(req *Addressed) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := respKey(req.Addr, req.Value.Token)
	state, known := b.respByTok[key]
	if !known {
		state = &exchangeState{pieces: map[uint32]*piece{}}
		b.respByTok[key] = state
	}
	state.request = req.Value.Clone()
}

// Notify implements Step.
func (b *Block) Notify(path string, effects *[]transport.Effect) error {
	return b.Inner.Notify(path, effects)
}
