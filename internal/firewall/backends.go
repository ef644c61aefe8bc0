package firewall

import (
	"fmt"
	"net"
)

const ruleComment = "spagate"

// ────────────────────────────────────────────────────────────────────────────
// iptables backend
// ────────────────────────────────────────────────────────────────────────────

// IPTablesBackend implements Backend using iptables. NAT grants additionally
// install DNAT rules in the nat table's PREROUTING (or OUTPUT, for local
// NAT) chain.
type IPTablesBackend struct{}

func (b *IPTablesBackend) Name() string { return "iptables" }

// Open inserts an ACCEPT rule per port, plus DNAT rules for NAT grants.
func (b *IPTablesBackend) Open(g *Grant) error {
	for _, p := range g.Ports {
		if err := runCmd("iptables", "-I", "INPUT", "-s", g.SrcIP.String(),
			"-p", p.Proto, "--dport", fmt.Sprint(p.Port), "-j", "ACCEPT",
			"-m", "comment", "--comment", ruleComment); err != nil {
			return err
		}
	}
	if g.NAT != nil {
		for _, p := range g.Ports {
			if err := runCmd("iptables", natArgs("-I", g, p.Proto, p.Port)...); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close deletes the rules previously inserted by Open. Best-effort: a rule
// may already be gone.
func (b *IPTablesBackend) Close(g *Grant) error {
	for _, p := range g.Ports {
		_ = runCmd("iptables", "-D", "INPUT", "-s", g.SrcIP.String(),
			"-p", p.Proto, "--dport", fmt.Sprint(p.Port), "-j", "ACCEPT",
			"-m", "comment", "--comment", ruleComment)
	}
	if g.NAT != nil {
		for _, p := range g.Ports {
			_ = runCmd("iptables", natArgs("-D", g, p.Proto, p.Port)...)
		}
	}
	return nil
}

func natArgs(action string, g *Grant, proto string, port uint16) []string {
	chain := "PREROUTING"
	if g.NAT.Local {
		chain = "OUTPUT"
	}
	return []string{"-t", "nat", action, chain,
		"-s", g.SrcIP.String(), "-p", proto, "--dport", fmt.Sprint(port),
		"-j", "DNAT", "--to-destination",
		fmt.Sprintf("%s:%d", g.NAT.TargetIP, g.NAT.TargetPort),
		"-m", "comment", "--comment", ruleComment}
}

// ────────────────────────────────────────────────────────────────────────────
// nftables backend
// ────────────────────────────────────────────────────────────────────────────

// NFTablesBackend implements Backend using nft. Accept rules live in the
// "spagate" chain of the "inet filter" table; NAT rules in "ip spagatenat".
type NFTablesBackend struct{}

func (b *NFTablesBackend) Name() string { return "nft" }

// Open adds nft accept rules for each port. Creates the chains on first use.
func (b *NFTablesBackend) Open(g *Grant) error {
	if err := b.ensureChains(g.NAT != nil); err != nil {
		return err
	}
	family := nftFamily(g.SrcIP)
	for _, p := range g.Ports {
		rule := fmt.Sprintf("add rule inet filter spagate %s saddr %s %s dport %d accept comment \"%s\"",
			family, g.SrcIP.String(), p.Proto, p.Port, ruleComment)
		if err := runCmd("nft", rule); err != nil {
			return err
		}
	}
	if g.NAT != nil {
		chain := "prerouting"
		if g.NAT.Local {
			chain = "output"
		}
		for _, p := range g.Ports {
			rule := fmt.Sprintf("add rule ip spagatenat %s ip saddr %s %s dport %d dnat to %s:%d comment \"%s\"",
				chain, g.SrcIP.String(), p.Proto, p.Port,
				g.NAT.TargetIP, g.NAT.TargetPort, ruleComment)
			if err := runCmd("nft", rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close removes the rules for g by handle lookup. nft has no delete-by-content,
// so the handles are resolved from a listing.
func (b *NFTablesBackend) Close(g *Grant) error {
	for _, p := range g.Ports {
		script := fmt.Sprintf(
			`nft -a list chain inet filter spagate 2>/dev/null | `+
				`grep 'saddr %s.*dport %d' | `+
				`awk '{print $NF}' | `+
				`xargs -r -I{} nft delete rule inet filter spagate handle {}`,
			g.SrcIP.String(), p.Port,
		)
		_ = runCmd("sh", "-c", script)
		if g.NAT != nil {
			chain := "prerouting"
			if g.NAT.Local {
				chain = "output"
			}
			script := fmt.Sprintf(
				`nft -a list chain ip spagatenat %s 2>/dev/null | `+
					`grep 'saddr %s.*dport %d' | `+
					`awk '{print $NF}' | `+
					`xargs -r -I{} nft delete rule ip spagatenat %s handle {}`,
				chain, g.SrcIP.String(), p.Port, chain,
			)
			_ = runCmd("sh", "-c", script)
		}
	}
	return nil
}

// ensureChains creates the tables and chains if they do not exist.
func (b *NFTablesBackend) ensureChains(nat bool) error {
	cmds := [][]string{
		{"nft", "add table inet filter"},
		{"nft", "add chain inet filter spagate"},
	}
	if nat {
		cmds = append(cmds,
			[]string{"nft", "add table ip spagatenat"},
			[]string{"nft", "add chain ip spagatenat prerouting { type nat hook prerouting priority -100 ; }"},
			[]string{"nft", "add chain ip spagatenat output { type nat hook output priority -100 ; }"},
		)
	}
	for _, args := range cmds {
		// Ignore "already exists" errors.
		_ = runCmd(args[0], args[1:]...)
	}
	return nil
}

// nftFamily returns the nft address family string for an IP.
func nftFamily(ip net.IP) string {
	if ip.To4() == nil {
		return "ip6"
	}
	return "ip"
}
