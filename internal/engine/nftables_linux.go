//go:build linux

package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/rule"
)

// NFTablesConn is the subset of nftables.Conn the driver uses. It exists so
// tests can substitute a mock.
type NFTablesConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	AddChain(c *nftables.Chain) *nftables.Chain
	FlushChain(c *nftables.Chain)
	AddRule(r *nftables.Rule) *nftables.Rule
	Flush() error
	CloseLasting() error
}

var _ NFTablesConn = (*nftables.Conn)(nil)

// chainNames are the regular chains, jumped to from the forward hook in
// section order.
var chainNames = map[rule.Section]string{
	rule.SectionBefore: "before",
	rule.SectionMain:   "main",
	rule.SectionAfter:  "after",
}

// NFTables programs an inet table: a forward base chain that jumps to one
// regular chain per section.
type NFTables struct {
	conn   NFTablesConn
	ifaces InterfaceResolver
	logger *logging.Logger
	ns     netns.NsHandle

	mu      sync.Mutex
	table   *nftables.Table
	chains  map[rule.Section]*nftables.Chain
	created bool

	inflight atomic.Bool
}

func newNFTables(cfg Config, ifaces InterfaceResolver, logger *logging.Logger) (Engine, error) {
	ns := netns.None()
	opts := []nftables.ConnOption{nftables.AsLasting()}
	if cfg.NetNS != "" {
		h, err := netns.GetFromName(cfg.NetNS)
		if err != nil {
			return nil, fmt.Errorf("open netns %s: %w", cfg.NetNS, err)
		}
		ns = h
		opts = append(opts, nftables.WithNetNSFd(int(h)))
	}
	conn, err := nftables.New(opts...)
	if err != nil {
		if ns.IsOpen() {
			ns.Close()
		}
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}
	n := NewNFTables(conn, cfg.Table, ifaces, logger)
	n.ns = ns
	return n, nil
}

// NewNFTables wraps an existing connection. The table is created on the first
// Apply.
func NewNFTables(conn NFTablesConn, table string, ifaces InterfaceResolver, logger *logging.Logger) *NFTables {
	if logger == nil {
		logger = logging.Default()
	}
	if table == "" {
		table = DefaultTable
	}
	return &NFTables{
		conn:   conn,
		ifaces: ifaces,
		logger: logger.WithComponent("engine"),
		ns:     netns.None(),
		table:  &nftables.Table{Name: table, Family: nftables.TableFamilyINet},
		chains: make(map[rule.Section]*nftables.Chain),
	}
}

// Apply flushes the section's chain and loads rules in one netlink batch.
// Disabled rules and rules whose zones have no interfaces are not loaded.
func (n *NFTables) Apply(ctx context.Context, section rule.Section, rules []rule.Wire) error {
	if !n.inflight.CompareAndSwap(false, true) {
		return ErrReentered
	}
	defer n.inflight.Store(false)

	if err := ctx.Err(); err != nil {
		return err
	}
	if !section.Valid() {
		return fmt.Errorf("unknown section %d", section)
	}

	decoded := make([]rule.Rule, 0, len(rules))
	for i, w := range rules {
		r, err := rule.Decode(w)
		if err != nil {
			return fmt.Errorf("%s position %d: %w", section, i+1, err)
		}
		decoded = append(decoded, r.Located(section, i+1))
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ensureTable(); err != nil {
		return err
	}
	chain := n.chains[section]
	n.conn.FlushChain(chain)

	loaded := 0
	for _, r := range decoded {
		if !r.Enabled {
			continue
		}
		variants := n.ruleExprs(r)
		if len(variants) == 0 {
			n.logger.Debug("rule has no interfaces to match, skipped", "section", section, "position", r.Position)
			continue
		}
		for _, exprs := range variants {
			n.conn.AddRule(&nftables.Rule{
				Table:    n.table,
				Chain:    chain,
				Exprs:    exprs,
				UserData: []byte(fmt.Sprintf("ruleplane:%s:%d", section, r.Position)),
			})
			loaded++
		}
	}

	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("failed to load %s chain: %w", section, err)
	}
	n.logger.Debug("chain loaded", "section", section, "rules", len(decoded), "nft_rules", loaded)
	return nil
}

// ensureTable creates the table, the section chains and the forward hook on
// first use.
func (n *NFTables) ensureTable() error {
	if n.created {
		return nil
	}
	n.conn.AddTable(n.table)
	for _, sec := range rule.Sections {
		n.chains[sec] = n.conn.AddChain(&nftables.Chain{
			Name:  chainNames[sec],
			Table: n.table,
		})
	}
	forward := n.conn.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    n.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	n.conn.FlushChain(forward)
	for _, sec := range rule.Sections {
		n.conn.AddRule(&nftables.Rule{
			Table: n.table,
			Chain: forward,
			Exprs: []expr.Any{
				&expr.Verdict{Kind: expr.VerdictJump, Chain: chainNames[sec]},
			},
		})
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("failed to create table %s: %w", n.table.Name, err)
	}
	n.created = true
	return nil
}

// ruleExprs expands r into one expression list per (input, output) interface
// pair. A zone with no interfaces yields no expressions.
func (n *NFTables) ruleExprs(r rule.Rule) [][]expr.Any {
	in, ok := n.zoneInterfaces(r.SrcZone)
	if !ok {
		return nil
	}
	out, ok := n.zoneInterfaces(r.DstZone)
	if !ok {
		return nil
	}

	var variants [][]expr.Any
	for _, iif := range in {
		for _, oif := range out {
			exprs := []expr.Any{
				&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
			}
			if iif != "" {
				exprs = append(exprs, ifaceMatch(expr.MetaKeyIIFNAME, iif)...)
			}
			if oif != "" {
				exprs = append(exprs, ifaceMatch(expr.MetaKeyOIFNAME, oif)...)
			}
			exprs = append(exprs, addrMatch(12, r.SrcNet, r.SrcPrefix)...)
			exprs = append(exprs, addrMatch(16, r.DstNet, r.DstPrefix)...)
			if r.Protocol != rule.ProtoAny {
				exprs = append(exprs,
					&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
					&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{byte(r.Protocol)}},
				)
			}
			if r.Protocol.HasPorts() {
				exprs = append(exprs, portMatch(0, r.SrcPortStart, r.SrcPortEnd)...)
				exprs = append(exprs, portMatch(2, r.DstPortStart, r.DstPortEnd)...)
			}
			if r.Log {
				exprs = append(exprs, &expr.Log{
					Key:  1 << unix.NFTA_LOG_PREFIX,
					Data: []byte(fmt.Sprintf("RP-%s-%d: ", strings.ToLower(r.Section.String()), r.Position)),
				})
			}
			exprs = append(exprs, &expr.Counter{}, verdict(r.Action))
			variants = append(variants, exprs)
		}
	}
	return variants
}

// zoneInterfaces returns [""] for the any zone, meaning no interface match.
func (n *NFTables) zoneInterfaces(id uint32) ([]string, bool) {
	if id == rule.AnyZone {
		return []string{""}, true
	}
	if n.ifaces == nil {
		return nil, false
	}
	names := n.ifaces.Interfaces(id)
	return names, len(names) > 0
}

func ifaceMatch(key expr.MetaKey, name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: key, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: pad(name)},
	}
}

// addrMatch matches an IPv4 network at offset in the network header. A zero
// prefix matches everything and emits nothing.
func addrMatch(offset uint32, network uint32, prefix uint8) []expr.Any {
	if prefix == 0 {
		return nil
	}
	mask := uint32(0xffffffff) << (32 - uint32(prefix))
	exprs := []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          4,
		},
	}
	if prefix < 32 {
		exprs = append(exprs, &expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           be32(mask),
			Xor:            []byte{0, 0, 0, 0},
		})
	}
	return append(exprs, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: be32(network & mask)})
}

// portMatch matches a transport port at offset (0 source, 2 destination).
// Port 0 and the full range match everything and emit nothing.
func portMatch(offset uint32, start, end uint16) []expr.Any {
	start, end = rule.PortRange(start, end)
	if start == 0 && (end == 0 || end == 0xffff) {
		return nil
	}
	load := &expr.Payload{
		DestRegister: 1,
		Base:         expr.PayloadBaseTransportHeader,
		Offset:       offset,
		Len:          2,
	}
	if start == end {
		return []expr.Any{load, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(start)}}
	}
	return []expr.Any{load, &expr.Range{
		Op:       expr.CmpOpEq,
		Register: 1,
		FromData: binaryutil.BigEndian.PutUint16(start),
		ToData:   binaryutil.BigEndian.PutUint16(end),
	}}
}

func verdict(a rule.Action) *expr.Verdict {
	if a == rule.ActionAccept {
		return &expr.Verdict{Kind: expr.VerdictAccept}
	}
	return &expr.Verdict{Kind: expr.VerdictDrop}
}

func pad(s string) []byte {
	b := make([]byte, 16)
	copy(b, s)
	return b
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// Close removes the table and releases the connection.
func (n *NFTables) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var err error
	if n.created {
		n.conn.DelTable(n.table)
		err = n.conn.Flush()
		n.created = false
	}
	if cerr := n.conn.CloseLasting(); cerr != nil && err == nil {
		err = cerr
	}
	if n.ns.IsOpen() {
		n.ns.Close()
	}
	return err
}
