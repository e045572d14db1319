// Package idmap implements the per-session uid/gid translation between
// client-space and server-space ids.
package idmap

// Translator holds two bijective partial maps between client-space and
// server-space uids and gids. Ids outside the map pass through unchanged.
type Translator struct {
	uidClientToServer map[uint32]uint32
	uidServerToClient map[uint32]uint32
	gidClientToServer map[uint32]uint32
	gidServerToClient map[uint32]uint32
}

// Rule is one `uid <client> <server>` or `gid <client> <server>` config line.
type Rule struct {
	Kind   string // "uid" or "gid"
	Client uint32
	Server uint32
}

// New builds a Translator from a set of config rules. Duplicate client or
// server ids within a kind overwrite earlier rules (last one wins), which
// matches a straightforward config-file readthrough.
func New(rules []Rule) *Translator {
	t := &Translator{
		uidClientToServer: make(map[uint32]uint32),
		uidServerToClient: make(map[uint32]uint32),
		gidClientToServer: make(map[uint32]uint32),
		gidServerToClient: make(map[uint32]uint32),
	}
	for _, r := range rules {
		switch r.Kind {
		case "uid":
			t.uidClientToServer[r.Client] = r.Server
			t.uidServerToClient[r.Server] = r.Client
		case "gid":
			t.gidClientToServer[r.Client] = r.Server
			t.gidServerToClient[r.Server] = r.Client
		}
	}
	return t
}

// Identity returns a Translator with no rules (every id passes through).
func Identity() *Translator {
	return New(nil)
}

func (t *Translator) ClientToServerUID(uid uint32) uint32 {
	if v, ok := t.uidClientToServer[uid]; ok {
		return v
	}
	return uid
}

func (t *Translator) ServerToClientUID(uid uint32) uint32 {
	if v, ok := t.uidServerToClient[uid]; ok {
		return v
	}
	return uid
}

func (t *Translator) ClientToServerGID(gid uint32) uint32 {
	if v, ok := t.gidClientToServer[gid]; ok {
		return v
	}
	return gid
}

func (t *Translator) ServerToClientGID(gid uint32) uint32 {
	if v, ok := t.gidServerToClient[gid]; ok {
		return v
	}
	return gid
}
