/*
Copyright 2025 Jordi Gil.

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

// Package wire translates between typed protocol events and the byte frames
// exchanged between metadata servers. Every frame is
//
//	tag:u8 ∥ op_id:u64 ∥ body
//
// little-endian, with a body that is fixed per tag. The decoder rejects any
// frame whose length does not match its tag.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/parafs/mds/pkg/dao/types"
)

// Tag identifies the event carried by a frame. Operation requests of the
// three protocols carry distinct tags so a receiver never has to infer the
// protocol from handling order.
type Tag uint8

const (
	TagInvalid Tag = iota

	TagTPCOpReq   // 1
	TagTPCVoteReq // 2
	TagTPCVoteY   // 3
	TagTPCVoteN   // 4
	TagTPCCommit  // 5
	TagTPCAbort   // 6
	TagTPCAck     // 7

	TagMTPCCommit // 8
	TagMTPCAbort  // 9
	TagMTPCAck    // 10
	TagMTPCOpReq  // 11

	TagOOEOpReq   // 12
	TagOOEAck     // 13
	TagOOEAborted // 14

	TagNotResponsible  // 15
	TagEventReRequest  // 16
	TagContentRequest  // 17
	TagContentResponse // 18
	TagStatusRequest   // 19
	TagStatusResponse  // 20

	TagTPCPRAbort      // 21
	TagTPCRVoteN       // 22
	TagTPCRVoteY       // 23
	TagTPCRVoteReq     // 24
	TagTPCRCommit      // 25
	TagMTPCRStatusReq  // 26
	TagMTPCRAbort      // 27
	TagMTPCRCommit     // 28
	TagOOERAborted     // 29
	TagOOERStatusReq   // 30

	tagSentinel
)

var tagNames = map[Tag]string{
	TagTPCOpReq:        "TPCOpReq",
	TagTPCVoteReq:      "TPCVoteReq",
	TagTPCVoteY:        "TPCVoteY",
	TagTPCVoteN:        "TPCVoteN",
	TagTPCCommit:       "TPCCommit",
	TagTPCAbort:        "TPCAbort",
	TagTPCAck:          "TPCAck",
	TagMTPCCommit:      "MTPCCommit",
	TagMTPCAbort:       "MTPCAbort",
	TagMTPCAck:         "MTPCAck",
	TagMTPCOpReq:       "MTPCOpReq",
	TagOOEOpReq:        "OOEOpReq",
	TagOOEAck:          "OOEAck",
	TagOOEAborted:      "OOEAborted",
	TagNotResponsible:  "NotResponsible",
	TagEventReRequest:  "EventReRequest",
	TagContentRequest:  "ContentRequest",
	TagContentResponse: "ContentResponse",
	TagStatusRequest:   "StatusRequest",
	TagStatusResponse:  "StatusResponse",
	TagTPCPRAbort:      "TPCPRAbort",
	TagTPCRVoteN:       "TPCRVoteN",
	TagTPCRVoteY:       "TPCRVoteY",
	TagTPCRVoteReq:     "TPCRVoteReq",
	TagTPCRCommit:      "TPCRCommit",
	TagMTPCRStatusReq:  "MTPCRStatusReq",
	TagMTPCRAbort:      "MTPCRAbort",
	TagMTPCRCommit:     "MTPCRCommit",
	TagOOERAborted:     "OOERAborted",
	TagOOERStatusReq:   "OOERStatusReq",
}

func (t Tag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

// Valid reports whether t names a known event.
func (t Tag) Valid() bool {
	_, ok := tagNames[t]
	return ok
}

// IsOpRequest reports whether t opens a new operation on the receiver.
func (t Tag) IsOpRequest() bool {
	return t == TagTPCOpReq || t == TagMTPCOpReq || t == TagOOEOpReq
}

// Canonical folds a retry tag onto the event it retransmits. Events that are
// not retries map to themselves.
func (t Tag) Canonical() Tag {
	switch t {
	case TagTPCPRAbort:
		return TagTPCAbort
	case TagTPCRVoteN:
		return TagTPCVoteN
	case TagTPCRVoteY:
		return TagTPCVoteY
	case TagTPCRVoteReq:
		return TagTPCVoteReq
	case TagTPCRCommit:
		return TagTPCCommit
	case TagMTPCRAbort:
		return TagMTPCAbort
	case TagMTPCRCommit:
		return TagMTPCCommit
	case TagOOERAborted:
		return TagOOEAborted
	default:
		return t
	}
}

// Event is one decoded protocol frame. The body fields beyond OpID are only
// meaningful for the tags that carry them: operation requests fill Type,
// SelfSubtree, InitiatorSubtree and Blob; ContentResponse fills Type, Blob
// and OppositeStatus; StatusResponse fills OppositeStatus.
type Event struct {
	Tag  Tag
	OpID types.OperationID

	Type             types.OpType
	SelfSubtree      types.InodeID
	InitiatorSubtree types.InodeID
	Blob             []byte

	OppositeStatus types.Status
}

const headerLen = 1 + 8

// MaxBlobLen bounds the operation blob carried on the wire.
const MaxBlobLen = 1<<32 - 1

// Encode serializes an event into a wire frame.
func Encode(ev Event) ([]byte, error) {
	if !ev.Tag.Valid() {
		return nil, fmt.Errorf("encode: unknown tag %d", uint8(ev.Tag))
	}
	if ev.OpID == 0 {
		return nil, fmt.Errorf("encode %s: zero operation id", ev.Tag)
	}

	buf := make([]byte, headerLen, headerLen+frameBodyHint(ev))
	buf[0] = byte(ev.Tag)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(ev.OpID))

	switch ev.Tag {
	case TagTPCOpReq, TagMTPCOpReq, TagOOEOpReq:
		if len(ev.Blob) == 0 {
			return nil, fmt.Errorf("encode %s: empty operation blob", ev.Tag)
		}
		buf = append(buf, byte(ev.Type))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(ev.SelfSubtree))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(ev.InitiatorSubtree))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ev.Blob)))
		buf = append(buf, ev.Blob...)
	case TagContentResponse:
		buf = append(buf, byte(ev.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ev.Blob)))
		buf = append(buf, ev.Blob...)
		buf = append(buf, byte(ev.OppositeStatus))
	case TagStatusResponse:
		buf = append(buf, byte(ev.OppositeStatus))
	}
	return buf, nil
}

func frameBodyHint(ev Event) int {
	switch ev.Tag {
	case TagTPCOpReq, TagMTPCOpReq, TagOOEOpReq:
		return 21 + len(ev.Blob)
	case TagContentResponse:
		return 6 + len(ev.Blob)
	case TagStatusResponse:
		return 1
	default:
		return 0
	}
}

// Decode parses a wire frame. Frames whose length does not match their tag
// are rejected; callers drop such frames and continue.
func Decode(frame []byte) (Event, error) {
	if len(frame) < headerLen {
		return Event{}, fmt.Errorf("decode: frame of %d bytes is shorter than the header", len(frame))
	}
	ev := Event{
		Tag:  Tag(frame[0]),
		OpID: types.OperationID(binary.LittleEndian.Uint64(frame[1:9])),
	}
	if !ev.Tag.Valid() {
		return Event{}, fmt.Errorf("decode: unknown tag %d", frame[0])
	}
	if ev.OpID == 0 {
		return Event{}, fmt.Errorf("decode %s: zero operation id", ev.Tag)
	}
	body := frame[headerLen:]

	switch ev.Tag {
	case TagTPCOpReq, TagMTPCOpReq, TagOOEOpReq:
		if len(body) < 21 {
			return Event{}, fmt.Errorf("decode %s: truncated body of %d bytes", ev.Tag, len(body))
		}
		ev.Type = types.OpType(body[0])
		ev.SelfSubtree = types.InodeID(binary.LittleEndian.Uint64(body[1:9]))
		ev.InitiatorSubtree = types.InodeID(binary.LittleEndian.Uint64(body[9:17]))
		blobLen := binary.LittleEndian.Uint32(body[17:21])
		if uint64(len(body)) != 21+uint64(blobLen) {
			return Event{}, fmt.Errorf("decode %s: declared blob of %d bytes, frame carries %d", ev.Tag, blobLen, len(body)-21)
		}
		if blobLen == 0 {
			return Event{}, fmt.Errorf("decode %s: empty operation blob", ev.Tag)
		}
		if !ev.Type.Valid() {
			return Event{}, fmt.Errorf("decode %s: unknown operation type %d", ev.Tag, body[0])
		}
		ev.Blob = append([]byte(nil), body[21:]...)
	case TagContentResponse:
		if len(body) < 6 {
			return Event{}, fmt.Errorf("decode %s: truncated body of %d bytes", ev.Tag, len(body))
		}
		ev.Type = types.OpType(body[0])
		blobLen := binary.LittleEndian.Uint32(body[1:5])
		if uint64(len(body)) != 6+uint64(blobLen) {
			return Event{}, fmt.Errorf("decode %s: declared blob of %d bytes, frame carries %d", ev.Tag, blobLen, len(body)-6)
		}
		ev.Blob = append([]byte(nil), body[5:5+blobLen]...)
		ev.OppositeStatus = types.Status(body[len(body)-1])
	case TagStatusResponse:
		if len(body) != 1 {
			return Event{}, fmt.Errorf("decode %s: body of %d bytes, want 1", ev.Tag, len(body))
		}
		ev.OppositeStatus = types.Status(body[0])
	default:
		if len(body) != 0 {
			return Event{}, fmt.Errorf("decode %s: unexpected %d-byte body", ev.Tag, len(body))
		}
	}
	return ev, nil
}

// Simple builds a body-less event for the given tag and operation.
func Simple(tag Tag, id types.OperationID) Event {
	return Event{Tag: tag, OpID: id}
}
