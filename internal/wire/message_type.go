// Package wire implements the framed, multiplexed byte-stream protocol
// that carries sessions' dialogs between two fexd peers.
package wire

// MessageType is the 1-byte frame opcode. The high bit (CompressBit)
// flags a compressed payload; ordinals are assigned sequentially from
// ASCII 'A' in the exact order spec §6 lists them, so two peers agree
// bit-exactly without needing to exchange a schema.
type MessageType uint8

const CompressBit MessageType = 0x80

const (
	MsgStart MessageType = 'A' + iota
	MsgReject
	MsgAccept
	MsgBackup
	MsgRegisterWatchPoint
	MsgFullSyncStart
	MsgFullSyncState
	MsgFullSyncLog
	MsgFullSyncLogEnd
	MsgFullSyncComplete
	MsgSyncStart
	MsgSyncStartOk
	MsgSyncLogBlock
	MsgSyncLogEnd
	MsgSyncComplete
	MsgRsyncStart
	MsgRsyncAbort
	MsgRsyncSigBlock
	MsgRsyncSigEnd
	MsgRsyncDeltaBlock
	MsgRsyncDeltaEnd
	MsgGetLink
	MsgLinkDest
	MsgClientKey
	MsgWavail
	MsgAdjustSpeed
	MsgCreateWriteLock
	MsgCreateReadLock
	MsgReleaseLock
)

func (t MessageType) Base() MessageType {
	return t &^ CompressBit
}

func (t MessageType) Compressed() bool {
	return t&CompressBit != 0
}

var messageNames = map[MessageType]string{
	MsgStart:               "Start",
	MsgReject:              "Reject",
	MsgAccept:              "Accept",
	MsgBackup:              "Backup",
	MsgRegisterWatchPoint:  "RegisterWatchPoint",
	MsgFullSyncStart:       "FullSyncStart",
	MsgFullSyncState:       "FullSyncState",
	MsgFullSyncLog:         "FullSyncLog",
	MsgFullSyncLogEnd:      "FullSyncLogEnd",
	MsgFullSyncComplete:    "FullSyncComplete",
	MsgSyncStart:           "SyncStart",
	MsgSyncStartOk:         "SyncStartOk",
	MsgSyncLogBlock:        "SyncLogBlock",
	MsgSyncLogEnd:          "SyncLogEnd",
	MsgSyncComplete:        "SyncComplete",
	MsgRsyncStart:          "RsyncStart",
	MsgRsyncAbort:          "RsyncAbort",
	MsgRsyncSigBlock:       "RsyncSigBlock",
	MsgRsyncSigEnd:         "RsyncSigEnd",
	MsgRsyncDeltaBlock:     "RsyncDeltaBlock",
	MsgRsyncDeltaEnd:       "RsyncDeltaEnd",
	MsgGetLink:             "GetLink",
	MsgLinkDest:            "LinkDest",
	MsgClientKey:           "ClientKey",
	MsgWavail:              "wavail",
	MsgAdjustSpeed:         "AdjustSpeed",
	MsgCreateWriteLock:     "CreateWriteLock",
	MsgCreateReadLock:      "CreateReadLock",
	MsgReleaseLock:         "ReleaseLock",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t.Base()]; ok {
		return name
	}
	return "unknown"
}
