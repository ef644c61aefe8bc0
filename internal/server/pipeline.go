package server

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spagate/spagate/internal/access"
	"github.com/spagate/spagate/internal/cmdcycle"
	"github.com/spagate/spagate/internal/command"
	"github.com/spagate/spagate/internal/crypto"
	"github.com/spagate/spagate/internal/firewall"
	"github.com/spagate/spagate/pkg/spa"
)

// searchAction tells the coordinator whether a failed stanza attempt is a
// policy mismatch (try the next stanza) or a protocol error no other stanza
// can repair (terminate the search).
type searchAction int

const (
	keepSearching searchAction = iota
	stopSearching
)

// LevelTrace sits below debug and gates output that is too noisy even for
// debug runs, like raw candidate payload dumps.
const LevelTrace = slog.LevelDebug - 4

// pipelineState is the per-datagram scratch owned by the coordinator. Its
// crypto context is destroyed (plaintext zeroed) between stanza attempts and
// on every exit path.
type pipelineState struct {
	pkt      *Packet
	srcIPStr string
	dstIPStr string

	digest      string
	addedDigest bool

	// cipherData is pkt.Data with the identifier prefix stripped in
	// identifier mode.
	cipherData []byte
	encType    spa.EncryptionType

	ctx *crypto.Context
}

func (st *pipelineState) closeCtx() {
	if st.ctx != nil {
		st.ctx.Close()
		st.ctx = nil
	}
}

// IncomingSPA drives the full per-datagram state machine: classification,
// replay pre-check, stanza selection, and the per-stanza validation cascade.
// All errors are recovered here; the pipeline never aborts the server, never
// transmits anything, and releases all per-packet state on every exit path.
func (s *Server) IncomingSPA(pkt *Packet) {
	st := &pipelineState{
		pkt:      pkt,
		srcIPStr: pkt.SrcIP.String(),
		dstIPStr: pkt.DstIP.String(),
	}
	defer st.closeCtx()

	if err := s.classify(pkt); err != nil {
		s.log.Warn("dropping packet", "src", st.srcIPStr, "err", err)
		return
	}

	if s.log.Enabled(context.Background(), LevelTrace) {
		s.log.Log(context.Background(), LevelTrace, "candidate SPA packet payload",
			"src", st.srcIPStr, "dump", "\n"+hex.Dump(pkt.Data))
	}

	if s.digestEnabled() {
		st.digest = spa.RawDigest(pkt.Data)
		seen, err := s.replay.Contains(st.digest)
		if err != nil {
			s.log.Warn("replay store lookup failed", "src", st.srcIPStr, "err", err)
			return
		}
		if seen {
			s.log.Warn("replay detected", "src", st.srcIPStr)
			return
		}
	}

	st.cipherData = pkt.Data
	if pkt.SDPID != 0 {
		st.cipherData = pkt.Data[spa.B64SDPIDStrLen:]
	}
	st.encType = spa.EncryptionTypeOf(st.cipherData)

	if s.cfg.Server.DisableSDPMode {
		if !s.access.AnySourceMatch(pkt.SrcIP) {
			s.log.Warn("no access data found for source IP", "src", st.srcIPStr)
			return
		}
		for _, stanza := range s.access.Snapshot() {
			action := s.processStanza(stanza, st)
			st.closeCtx()
			if action == stopSearching {
				break
			}
		}
		return
	}

	stanza := s.access.BySDPID(pkt.SDPID, time.Now())
	if stanza == nil {
		s.log.Warn("no access data found for SDP client ID", "sdp_id", pkt.SDPIDStr)
		return
	}
	s.processStanza(stanza, st)
}

// processStanza runs the request-validation cascade (§ evaluator predicates)
// for one candidate stanza and dispatches the resulting action.
func (s *Server) processStanza(stanza *access.Stanza, st *pipelineState) searchAction {
	pkt := st.pkt
	num := stanza.Num
	now := time.Now()

	if !stanza.SourceMatch(pkt.SrcIP) || !stanza.DestinationMatch(pkt.DstIP) {
		s.log.Debug("packet filtered by source/destination criteria",
			"stanza", num, "src", st.srcIPStr, "dst", st.dstIPStr)
		return keepSearching
	}

	s.log.Info("SPA packet received with access source match",
		"stanza", num, "src", st.srcIPStr)

	if stanza.Expired(now) {
		s.log.Info("access stanza has expired", "stanza", num, "src", st.srcIPStr)
		return keepSearching
	}

	if action, ok := s.decrypt(stanza, st); !ok {
		return action
	}

	if !s.cfg.Server.Test && !st.addedDigest && s.digestEnabled() {
		if err := s.replay.Insert(st.digest); err != nil {
			s.log.Warn("could not add digest to replay cache",
				"stanza", num, "src", st.srcIPStr, "err", err)
			return keepSearching
		}
		st.addedDigest = true
	}

	// A plaintext that authenticated but does not parse stops the search:
	// no other stanza can make malformed plaintext well-formed. (This also
	// preserves the long-standing behavior of stopping when the message
	// type cannot be pulled.)
	msg, err := spa.ParseMessage(string(st.ctx.Plaintext()))
	if err != nil {
		s.log.Warn("error parsing decrypted SPA message",
			"stanza", num, "src", st.srcIPStr, "err", err)
		return stopSearching
	}

	if msg.Type.IsLegacy() && !s.cfg.Server.AllowLegacyAccessRequests {
		s.log.Error("SPA packet made legacy access request, server configured to deny",
			"src", st.srcIPStr)
		return stopSearching
	}

	if action, ok := s.checkSigners(stanza, st, num); !ok {
		return action
	}

	timeout := effectiveTimeout(msg.ClientTimeout, stanza.FWAccessTimeout)

	if s.cfg.Server.EnableSPAPacketAging {
		diff := now.Sub(msg.Timestamp)
		if diff < 0 {
			diff = -diff
		}
		if diff > s.cfg.Server.MaxSPAPacketAge.Duration {
			s.log.Warn("SPA data time difference is too great",
				"stanza", num, "src", st.srcIPStr, "diff", diff)
			return keepSearching
		}
	}

	comma := strings.IndexByte(msg.Body, ',')
	if comma < 0 {
		s.log.Warn("error parsing SPA message string",
			"stanza", num, "src", st.srcIPStr)
		return keepSearching
	}
	embeddedIP := msg.Body[:comma]
	if len(embeddedIP) < spa.MinIPv4StrLen-1 || len(embeddedIP) > spa.MaxIPv4StrLen ||
		!spa.IsValidIPv4(embeddedIP) {
		s.log.Warn("invalid source IP in SPA message, ignoring SPA packet",
			"stanza", num, "src", st.srcIPStr)
		return stopSearching
	}
	remainder := msg.Body[comma+1:]
	if len(remainder) > spa.MaxDecryptedSPALen {
		remainder = remainder[:spa.MaxDecryptedSPALen]
	}

	var useSrcIP string
	if embeddedIP == "0.0.0.0" {
		if stanza.RequireSourceAddress {
			s.log.Warn("got 0.0.0.0 when valid source IP was required",
				"stanza", num, "src", st.srcIPStr)
			return keepSearching
		}
		useSrcIP = st.srcIPStr
	} else {
		useSrcIP = embeddedIP
	}

	if s.cfg.Server.DisableSDPMode && stanza.RequireUsername != "" &&
		msg.Username != stanza.RequireUsername {
		s.log.Warn("username in SPA data does not match required username",
			"stanza", num, "src", st.srcIPStr, "username", msg.Username)
		return keepSearching
	}

	if action, ok := s.checkNatEnabled(msg.Type, st, num); !ok {
		return action
	}

	if stanza.CmdCycleOpen != "" {
		return s.runCmdCycleOpen(stanza, st, useSrcIP, remainder, timeout)
	}

	if msg.Type == spa.Command {
		return s.processCmdMsg(stanza, st, remainder)
	}

	grant := &firewall.Grant{SrcIP: net.ParseIP(useSrcIP)}

	if msg.Type.IsService() {
		ids, err := spa.ParseServiceIDList(remainder)
		if err != nil || !stanza.CheckServiceAccess(ids) {
			s.log.Warn("one or more requested services was denied",
				"stanza", num, "src", st.srcIPStr)
			return stopSearching
		}
		data, err := s.services.Gather(ids)
		if err != nil {
			s.log.Error("failed to gather necessary data for requested services",
				"src", st.srcIPStr, "err", err)
			return stopSearching
		}
		for _, d := range data {
			grant.Ports = append(grant.Ports, d.PortProto())
		}
	} else {
		req, err := spa.ParsePortList(remainder)
		if err != nil || !stanza.CheckPortAccess(req) {
			s.log.Warn("one or more requested protocol/ports was denied",
				"stanza", num, "src", st.srcIPStr)
			return keepSearching
		}
		grant.Ports = req
	}

	if msg.Type.HasNat() {
		nat, err := parseNatAccess(msg.NatAccess, msg.Type.IsLocalNat())
		if err != nil {
			s.log.Warn("invalid NAT access specifier",
				"stanza", num, "src", st.srcIPStr)
			return stopSearching
		}
		grant.NAT = nat
	}

	if s.cfg.Server.Test {
		s.log.Warn("test mode enabled, skipping firewall manipulation",
			"stanza", num, "src", st.srcIPStr)
		return keepSearching
	}

	if s.fw == nil {
		s.log.Error("access request received but firewall is disabled",
			"stanza", num, "src", st.srcIPStr)
		return stopSearching
	}

	if err := s.fw.InstallAccess(grant, timeout); err != nil {
		s.log.Error("failed to install access rules",
			"stanza", num, "src", st.srcIPStr, "err", err)
		return stopSearching
	}

	s.log.Info("access granted",
		"stanza", num, "src", st.srcIPStr, "use_src_ip", useSrcIP,
		"ports", grant.Ports, "timeout", timeout)
	return stopSearching
}

// decrypt implements the dual-scheme attempt ordering: symmetric first
// (also attempted for any encryption type when the stanza enables command
// execution, so signed commands work over either mechanism), asymmetric
// only if the symmetric attempt did not already succeed. Returns ok=false
// with the action to take when no plaintext was produced.
func (s *Server) decrypt(stanza *access.Stanza, st *pipelineState) (searchAction, bool) {
	num := stanza.Num
	attempted := false
	symmetricOK := false
	var ctx *crypto.Context
	var err error

	if stanza.UseRijndael() &&
		(st.encType == spa.RijndaelSymmetric || stanza.EnableCmdExec) {
		ctx, err = crypto.NewSymmetricContext(st.cipherData, crypto.SymmetricConfig{
			Key:      stanza.Key,
			HMACKey:  stanza.HMACKey,
			HMACType: stanza.HMACType,
			SDPID:    st.pkt.SDPID,
		})
		attempted = true
		symmetricOK = err == nil
	}

	if stanza.UseGPG && st.encType == spa.AsymmetricSigned && !symmetricOK {
		if stanza.GPGDecryptPW != "" || stanza.GPGAllowNoPW {
			var gctx *crypto.Context
			gctx, err = crypto.NewGPGContext(st.cipherData, crypto.GPGConfig{
				HomeDir:           stanza.GPGHomeDir,
				Recipient:         stanza.GPGDecryptID,
				RequireSignature:  stanza.GPGRequireSig,
				IgnoreVerifyError: stanza.GPGIgnoreSigError,
			})
			if err != nil {
				s.log.Warn("error creating crypto context before decryption",
					"stanza", num, "src", st.srcIPStr, "err", err)
				return keepSearching, false
			}
			err = gctx.DecryptGPG(stanza.GPGDecryptPW, stanza.GPGAllowNoPW)
			attempted = true
			if err != nil {
				gctx.Close()
				gctx = nil
			}
			ctx = gctx
		}
	}

	if !attempted {
		s.log.Error("no stanza encryption mode match for encryption type",
			"stanza", num, "src", st.srcIPStr, "enc_type", st.encType.String())
		return keepSearching, false
	}
	if err != nil || ctx == nil {
		s.log.Warn("SPA decryption failed",
			"stanza", num, "src", st.srcIPStr)
		return keepSearching, false
	}

	st.ctx = ctx
	return 0, true
}

// checkSigners enforces the asymmetric signer allow-lists. The fingerprint
// list takes precedence; both are checked when both are set.
func (s *Server) checkSigners(stanza *access.Stanza, st *pipelineState, num int) (searchAction, bool) {
	if st.ctx.EncryptionType() != spa.AsymmetricSigned || !stanza.GPGRequireSig {
		return 0, true
	}

	s.log.Info("incoming SPA data signed",
		"stanza", num, "src", st.srcIPStr,
		"signer", st.ctx.SignerID(), "fingerprint", st.ctx.SignerFingerprint())

	if len(stanza.GPGRemoteFpr) > 0 {
		match := false
		for _, fpr := range stanza.GPGRemoteFpr {
			if st.ctx.SignerFingerprintMatches(fpr) {
				match = true
				break
			}
		}
		if !match {
			s.log.Warn("signer fingerprint not in the fingerprint allow-list",
				"stanza", num, "src", st.srcIPStr,
				"fingerprint", st.ctx.SignerFingerprint())
			return keepSearching, false
		}
	}

	if len(stanza.GPGRemoteID) > 0 {
		match := false
		for _, id := range stanza.GPGRemoteID {
			if st.ctx.SignerIDMatches(id) {
				match = true
				break
			}
		}
		if !match {
			s.log.Warn("signer ID not in the remote ID allow-list",
				"stanza", num, "src", st.srcIPStr, "signer", st.ctx.SignerID())
			return keepSearching, false
		}
	}

	return 0, true
}

// checkNatEnabled gates the NAT message types: a NAT request with no
// firewall at all is a configuration error that stops the search, one with
// the feature merely disabled keeps searching.
func (s *Server) checkNatEnabled(t spa.MessageType, st *pipelineState, num int) (searchAction, bool) {
	if !t.HasNat() {
		return 0, true
	}
	if s.fw == nil {
		s.log.Warn("SPA packet requested unsupported NAT access",
			"stanza", num, "src", st.srcIPStr)
		return stopSearching, false
	}
	enabled := s.cfg.Server.EnableForwarding
	if t.IsLocalNat() {
		enabled = s.cfg.Server.EnableLocalNAT
	}
	if !enabled {
		s.log.Warn("SPA packet requested NAT access, but it is not enabled",
			"stanza", num, "src", st.srcIPStr)
		return keepSearching, false
	}
	return 0, true
}

// runCmdCycleOpen renders and runs a stanza's open template; a successful
// open fully handles the packet.
func (s *Server) runCmdCycleOpen(stanza *access.Stanza, st *pipelineState,
	useSrcIP, remainder string, timeout time.Duration) searchAction {

	v := cmdcycle.Vars{IP: useSrcIP, Timeout: timeout}
	if req, err := spa.ParsePortList(remainder); err == nil && len(req) > 0 {
		v.Port, v.Proto = req[0].Port, req[0].Proto
	}

	if s.cfg.Server.Test {
		s.log.Warn("test mode enabled, skipping command cycle",
			"stanza", stanza.Num, "src", st.srcIPStr)
		return keepSearching
	}

	if err := s.cycles.Open(stanza.Num, stanza.CmdCycleOpen, stanza.CmdCycleClose, v); err != nil {
		s.log.Warn("command cycle open failed",
			"stanza", stanza.Num, "src", st.srcIPStr, "err", err)
		return keepSearching
	}
	return stopSearching
}

// processCmdMsg handles COMMAND messages: build the (optionally
// sudo-wrapped) command line and run it directly or under the stanza's
// setuid/setgid credentials.
func (s *Server) processCmdMsg(stanza *access.Stanza, st *pipelineState, cmdStr string) searchAction {
	num := stanza.Num

	if !stanza.EnableCmdExec {
		s.log.Warn("SPA command messages are not allowed in the current configuration",
			"stanza", num, "src", st.srcIPStr)
		return keepSearching
	}
	if s.cfg.Server.Test {
		s.log.Warn("test mode enabled, skipping command execution",
			"stanza", num, "src", st.srcIPStr)
		return keepSearching
	}

	s.log.Info("processing SPA command message",
		"stanza", num, "src", st.srcIPStr, "command", cmdStr)

	cmdBuf := cmdStr
	if stanza.EnableCmdSudoExec {
		// Run via sudo so sudo policy filtering applies to the command.
		b := s.cfg.Server.SudoExe
		if stanza.CmdSudoExecUser != "" && !strings.EqualFold(stanza.CmdSudoExecUser, "root") {
			b += " -u " + stanza.CmdSudoExecUser
		}
		if stanza.CmdSudoExecGroup != "" && !strings.EqualFold(stanza.CmdSudoExecGroup, "root") {
			b += " -g " + stanza.CmdSudoExecGroup
		}
		cmdBuf = b + " " + cmdStr
	}
	if len(cmdBuf) > spa.MaxSPACmdLen {
		s.log.Warn("command line exceeds maximum length",
			"stanza", num, "src", st.srcIPStr)
		return keepSearching
	}

	var status int
	var err error
	if stanza.CmdExecUser != "" && !strings.EqualFold(stanza.CmdExecUser, "root") {
		s.log.Info("running command setuid/setgid",
			"stanza", num, "src", st.srcIPStr,
			"user", stanza.CmdExecUser, "uid", stanza.CmdExecUID, "gid", stanza.CmdExecGID)
		status, err = s.cmds.RunAs(stanza.CmdExecUID, stanza.CmdExecGID, cmdBuf, 0)
	} else {
		s.log.Info("running command", "stanza", num, "src", st.srcIPStr)
		status, err = s.cmds.Run(cmdBuf, command.RootTimeout)
	}

	if err != nil || status != 0 {
		s.log.Warn("command did not exit cleanly",
			"stanza", num, "src", st.srcIPStr, "status", status,
			"err", errors.Join(err, spa.ErrCommand))
	} else {
		s.log.Info("command completed", "stanza", num, "src", st.srcIPStr, "status", status)
	}
	return stopSearching
}

// effectiveTimeout implements the timeout precedence: client-supplied, then
// stanza, then built-in default.
func effectiveTimeout(client, stanza time.Duration) time.Duration {
	if client > 0 {
		return client
	}
	if stanza > 0 {
		return stanza
	}
	return spa.DefaultFWAccessTimeout
}

// parseNatAccess parses the "internal_ip,port" NAT specifier.
func parseNatAccess(natAccess string, local bool) (*firewall.NATSpec, error) {
	comma := strings.IndexByte(natAccess, ',')
	if comma < 0 {
		return nil, spa.ErrBadData
	}
	ipStr := natAccess[:comma]
	if !spa.IsValidIPv4(ipStr) {
		return nil, spa.ErrBadData
	}
	port, err := strconv.ParseUint(natAccess[comma+1:], 10, 16)
	if err != nil || port == 0 {
		return nil, spa.ErrBadData
	}
	return &firewall.NATSpec{TargetIP: net.ParseIP(ipStr), TargetPort: uint16(port), Local: local}, nil
}

func (s *Server) digestEnabled() bool {
	return s.cfg.Server.EnableDigestPersistence
}
