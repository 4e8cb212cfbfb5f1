package allocator

import (
	"hash/fnv"
	"net"

	"github.com/turngate/turngate/internal/relaymsg"
)

// bucketCount is the number of buckets backing the permission and
// channel indexes of an Allocation. It must stay a power of two so
// bucketIndex can mask instead of mod (spec note: coturn computes
// "hash & SIZE" over a non-power-of-two table, which is not uniform;
// masking against bucketCount-1 avoids that bug).
const bucketCount = 64

// hashIP returns a 32-bit FNV-1a hash of ip's bytes.
func hashIP(ip net.IP) uint32 {
	h := fnv.New32a()
	h.Write(ip)
	return h.Sum32()
}

func bucketIndex(hash uint32) int {
	return int(hash) & (bucketCount - 1)
}

// permissionTable indexes an allocation's permissions by peer IP hash,
// replacing a linear scan over every permission on each lookup.
type permissionTable struct {
	buckets [bucketCount][]*Permission
}

func (t *permissionTable) find(ip net.IP) *Permission {
	b := t.buckets[bucketIndex(hashIP(ip))]
	for _, p := range b {
		if p.IP.Equal(ip) {
			return p
		}
	}
	return nil
}

func (t *permissionTable) insert(p *Permission) {
	i := bucketIndex(hashIP(p.IP))
	t.buckets[i] = append(t.buckets[i], p)
}

// all returns every permission across all buckets. Used for Stats.
func (t *permissionTable) all() []*Permission {
	var out []*Permission
	for _, b := range t.buckets {
		out = append(out, b...)
	}
	return out
}

// prune drops permissions (and their channel bindings) whose timeout
// has passed, and reports how many bindings survive in total.
func (t *permissionTable) prune(after func(p *Permission) bool) (bindings int) {
	for i, b := range t.buckets {
		kept := b[:0]
		for _, p := range b {
			if !after(p) {
				continue
			}
			kept = append(kept, p)
			bindings += len(p.Bindings)
		}
		t.buckets[i] = kept
	}
	return bindings
}

// channelIndex resolves a bound channel number directly to the peer
// address it is bound to, without scanning every permission's binding
// list (RFC 5766 Section 11 requires this to be fast since every
// relayed datagram goes through it).
type channelIndex struct {
	buckets [bucketCount][]channelEntry
}

type channelEntry struct {
	channel relaymsg.ChannelNumber
	peer    relaymsg.Addr
}

func channelBucket(n relaymsg.ChannelNumber) int {
	return bucketIndex(uint32(n))
}

func (c *channelIndex) bind(n relaymsg.ChannelNumber, peer relaymsg.Addr) {
	i := channelBucket(n)
	for k, e := range c.buckets[i] {
		if e.channel == n {
			c.buckets[i][k].peer = peer
			return
		}
	}
	c.buckets[i] = append(c.buckets[i], channelEntry{channel: n, peer: peer})
}

func (c *channelIndex) lookup(n relaymsg.ChannelNumber) (relaymsg.Addr, bool) {
	for _, e := range c.buckets[channelBucket(n)] {
		if e.channel == n {
			return e.peer, true
		}
	}
	return relaymsg.Addr{}, false
}

func (c *channelIndex) remove(n relaymsg.ChannelNumber) {
	i := channelBucket(n)
	b := c.buckets[i]
	for k, e := range b {
		if e.channel == n {
			c.buckets[i] = append(b[:k], b[k+1:]...)
			return
		}
	}
}
