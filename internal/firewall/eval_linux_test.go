//go:build linux

package firewall

import (
	"bytes"
	"fmt"

	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// packet is the state visible to a rule while it is evaluated.
type packet struct {
	mark    uint32
	ctMark  uint32
	ctState uint32
	classID uint32
	iif     string
	oif     string
	daddr   [4]byte
	proto   byte
	dport   uint16
}

type verdict string

const (
	verdictNone   verdict = ""
	verdictAccept verdict = "accept"
	verdictDrop   verdict = "drop"
	verdictMasq   verdict = "masquerade"
)

// evalRule runs exprs against p. It returns false when a comparison fails
// and the terminal verdict otherwise. Only the expressions this package
// generates are understood.
func evalRule(exprs []expr.Any, p *packet) (bool, verdict, error) {
	regs := make(map[uint32][]byte)
	for _, e := range exprs {
		switch e := e.(type) {
		case *expr.Meta:
			if e.SourceRegister {
				if e.Key != expr.MetaKeyMARK {
					return false, verdictNone, fmt.Errorf("meta set key %d", e.Key)
				}
				p.mark = binaryutil.NativeEndian.Uint32(regs[e.Register])
				continue
			}
			switch e.Key {
			case expr.MetaKeyMARK:
				regs[e.Register] = binaryutil.NativeEndian.PutUint32(p.mark)
			case expr.MetaKeyCGROUP:
				regs[e.Register] = binaryutil.NativeEndian.PutUint32(p.classID)
			case expr.MetaKeyOIFNAME:
				regs[e.Register] = ifname(p.oif)
			case expr.MetaKeyIIFNAME:
				regs[e.Register] = ifname(p.iif)
			case expr.MetaKeyL4PROTO:
				regs[e.Register] = []byte{p.proto}
			default:
				return false, verdictNone, fmt.Errorf("meta key %d", e.Key)
			}
		case *expr.Ct:
			switch {
			case e.SourceRegister && e.Key == expr.CtKeyMARK:
				p.ctMark = binaryutil.NativeEndian.Uint32(regs[e.Register])
			case e.Key == expr.CtKeyMARK:
				regs[e.Register] = binaryutil.NativeEndian.PutUint32(p.ctMark)
			case e.Key == expr.CtKeySTATE:
				regs[e.Register] = binaryutil.NativeEndian.PutUint32(p.ctState)
			default:
				return false, verdictNone, fmt.Errorf("ct key %d", e.Key)
			}
		case *expr.Immediate:
			regs[e.Register] = append([]byte(nil), e.Data...)
		case *expr.Payload:
			switch {
			case e.Base == expr.PayloadBaseNetworkHeader && e.Offset == 16 && e.Len == 4:
				regs[e.DestRegister] = p.daddr[:]
			case e.Base == expr.PayloadBaseTransportHeader && e.Offset == 2 && e.Len == 2:
				regs[e.DestRegister] = binaryutil.BigEndian.PutUint16(p.dport)
			default:
				return false, verdictNone, fmt.Errorf("payload base %d offset %d", e.Base, e.Offset)
			}
		case *expr.Bitwise:
			src := regs[e.SourceRegister]
			out := make([]byte, e.Len)
			for i := range out {
				out[i] = (src[i] & e.Mask[i]) ^ e.Xor[i]
			}
			regs[e.DestRegister] = out
		case *expr.Cmp:
			reg := regs[e.Register]
			if len(reg) < len(e.Data) {
				reg = append(reg, make([]byte, len(e.Data)-len(reg))...)
			}
			eq := bytes.Equal(reg[:len(e.Data)], e.Data)
			switch e.Op {
			case expr.CmpOpEq:
				if !eq {
					return false, verdictNone, nil
				}
			case expr.CmpOpNeq:
				if eq {
					return false, verdictNone, nil
				}
			default:
				return false, verdictNone, fmt.Errorf("cmp op %d", e.Op)
			}
		case *expr.Counter:
		case *expr.Masq:
			return true, verdictMasq, nil
		case *expr.Verdict:
			switch e.Kind {
			case expr.VerdictAccept:
				return true, verdictAccept, nil
			case expr.VerdictDrop:
				return true, verdictDrop, nil
			default:
				return false, verdictNone, fmt.Errorf("verdict %d", e.Kind)
			}
		default:
			return false, verdictNone, fmt.Errorf("unsupported expression %T", e)
		}
	}
	return true, verdictNone, nil
}

// evalChain runs the rules of spec in order and returns the first terminal
// verdict, or accept when none applies.
func evalChain(spec ChainSpec, p *packet) (verdict, error) {
	for _, r := range spec.Rules {
		matched, v, err := evalRule(r.Exprs, p)
		if err != nil {
			return verdictNone, fmt.Errorf("rule %s: %w", r.Key, err)
		}
		if matched && v != verdictNone {
			return v, nil
		}
	}
	return verdictAccept, nil
}

func ifname(name string) []byte {
	buf := make([]byte, unix.IFNAMSIZ)
	copy(buf, name)
	return buf
}
