package access

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/spagate/spagate/internal/crypto"
	"github.com/spagate/spagate/pkg/spa"
)

// stanzaFile is the TOML shape of access.toml.
type stanzaFile struct {
	Stanza []stanzaEntry `toml:"stanza"`
}

type stanzaEntry struct {
	SDPID       uint32   `toml:"sdp_id"`
	Source      []string `toml:"source"`
	Destination []string `toml:"destination"`

	Key        string `toml:"key"`
	KeyBase64  string `toml:"key_base64"`
	HMACKey    string `toml:"hmac_key"`
	HMACKeyB64 string `toml:"hmac_key_base64"`
	HMACType   string `toml:"hmac_type"`

	UseGPG            bool     `toml:"use_gpg"`
	GPGHomeDir        string   `toml:"gpg_home_dir"`
	GPGExe            string   `toml:"gpg_exe"`
	GPGDecryptID      string   `toml:"gpg_decrypt_id"`
	GPGDecryptPW      string   `toml:"gpg_decrypt_pw"`
	GPGAllowNoPW      bool     `toml:"gpg_allow_no_pw"`
	GPGRequireSig     bool     `toml:"gpg_require_sig"`
	GPGIgnoreSigError bool     `toml:"gpg_ignore_sig_error"`
	GPGRemoteID       []string `toml:"gpg_remote_id"`
	GPGRemoteFpr      []string `toml:"gpg_fingerprint_id"`

	OpenPorts []string `toml:"open_ports"`
	Services  []uint32 `toml:"services"`

	RequireUsername      string `toml:"require_username"`
	RequireSourceAddress bool   `toml:"require_source_address"`
	FWAccessTimeout      int    `toml:"fw_access_timeout"`
	Expire               string `toml:"expire"`

	EnableCmdExec     bool   `toml:"enable_cmd_exec"`
	EnableCmdSudoExec bool   `toml:"enable_cmd_sudo_exec"`
	CmdExecUser       string `toml:"cmd_exec_user"`
	CmdExecGroup      string `toml:"cmd_exec_group"`
	CmdSudoExecUser   string `toml:"cmd_sudo_exec_user"`
	CmdSudoExecGroup  string `toml:"cmd_sudo_exec_group"`

	CmdCycleOpen  string `toml:"cmd_cycle_open"`
	CmdCycleClose string `toml:"cmd_cycle_close"`
}

// Load reads and validates an access.toml stanza file.
func Load(path string) ([]*Stanza, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading access file %s: %w", path, err)
	}
	var f stanzaFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing access file: %w", err)
	}
	if len(f.Stanza) == 0 {
		return nil, fmt.Errorf("access file %s defines no stanzas", path)
	}

	stanzas := make([]*Stanza, 0, len(f.Stanza))
	for i, e := range f.Stanza {
		st, err := buildStanza(i+1, e)
		if err != nil {
			return nil, fmt.Errorf("stanza #%d: %w", i+1, err)
		}
		stanzas = append(stanzas, st)
	}
	return stanzas, nil
}

func buildStanza(num int, e stanzaEntry) (*Stanza, error) {
	st := &Stanza{
		Num:                  num,
		SDPID:                e.SDPID,
		GPGHomeDir:           e.GPGHomeDir,
		GPGExe:               e.GPGExe,
		GPGDecryptID:         e.GPGDecryptID,
		GPGDecryptPW:         e.GPGDecryptPW,
		GPGAllowNoPW:         e.GPGAllowNoPW,
		GPGRequireSig:        e.GPGRequireSig,
		GPGIgnoreSigError:    e.GPGIgnoreSigError,
		GPGRemoteID:          e.GPGRemoteID,
		GPGRemoteFpr:         e.GPGRemoteFpr,
		UseGPG:               e.UseGPG,
		Services:             e.Services,
		RequireUsername:      e.RequireUsername,
		RequireSourceAddress: e.RequireSourceAddress,
		EnableCmdExec:        e.EnableCmdExec,
		EnableCmdSudoExec:    e.EnableCmdSudoExec,
		CmdExecUser:          e.CmdExecUser,
		CmdExecGroup:         e.CmdExecGroup,
		CmdSudoExecUser:      e.CmdSudoExecUser,
		CmdSudoExecGroup:     e.CmdSudoExecGroup,
		CmdCycleOpen:         e.CmdCycleOpen,
		CmdCycleClose:        e.CmdCycleClose,
	}

	if len(e.Source) == 0 {
		return nil, fmt.Errorf("source list is required")
	}
	for _, s := range e.Source {
		m, err := ParseAddrMatch(s)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", s, err)
		}
		st.Source = append(st.Source, m)
	}
	for _, s := range e.Destination {
		m, err := ParseAddrMatch(s)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", s, err)
		}
		st.Destination = append(st.Destination, m)
	}

	key, err := keyMaterial(e.Key, e.KeyBase64)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	st.Key = key

	hmacKey, err := keyMaterial(e.HMACKey, e.HMACKeyB64)
	if err != nil {
		return nil, fmt.Errorf("hmac_key: %w", err)
	}
	st.HMACKey = hmacKey

	if len(st.Key) > 0 && len(st.HMACKey) == 0 {
		return nil, fmt.Errorf("a symmetric key requires an hmac_key")
	}
	if len(st.Key) == 0 && !st.UseGPG {
		return nil, fmt.Errorf("no key and no gpg settings")
	}
	if st.UseGPG && st.GPGDecryptPW == "" && !st.GPGAllowNoPW {
		return nil, fmt.Errorf("use_gpg requires gpg_decrypt_pw or gpg_allow_no_pw")
	}

	st.HMACType, err = crypto.ParseHMACType(e.HMACType)
	if err != nil {
		return nil, err
	}

	for _, p := range e.OpenPorts {
		pp, err := spa.ParsePortList(p)
		if err != nil {
			return nil, fmt.Errorf("open_ports %q: %w", p, err)
		}
		st.OpenPorts = append(st.OpenPorts, pp...)
	}

	if e.FWAccessTimeout > 0 {
		st.FWAccessTimeout = time.Duration(e.FWAccessTimeout) * time.Second
	}
	if e.Expire != "" {
		t, err := time.Parse("2006-01-02", e.Expire)
		if err != nil {
			t, err = time.Parse(time.RFC3339, e.Expire)
		}
		if err != nil {
			return nil, fmt.Errorf("expire %q: %w", e.Expire, err)
		}
		st.ExpireTime = t
	}

	if st.EnableCmdSudoExec && !st.EnableCmdExec {
		return nil, fmt.Errorf("enable_cmd_sudo_exec requires enable_cmd_exec")
	}
	if st.CmdExecUser != "" {
		uid, gid, err := lookupIDs(st.CmdExecUser, st.CmdExecGroup)
		if err != nil {
			return nil, err
		}
		st.CmdExecUID, st.CmdExecGID = uid, gid
	}

	return st, nil
}

// keyMaterial resolves a literal or base64-encoded key field.
func keyMaterial(literal, b64 string) ([]byte, error) {
	switch {
	case literal != "" && b64 != "":
		return nil, fmt.Errorf("both literal and base64 forms set")
	case literal != "":
		return []byte(literal), nil
	case b64 != "":
		return spa.RawB64Encoding.DecodeString(strings.TrimRight(b64, "="))
	}
	return nil, nil
}

// lookupIDs resolves a username (and optional group) to numeric IDs at load
// time so a bad stanza fails at startup, not per packet.
func lookupIDs(username, group string) (uint32, uint32, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, fmt.Errorf("cmd_exec_user %q: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("uid for %q: %w", username, err)
	}
	gidStr := u.Gid
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return 0, 0, fmt.Errorf("cmd_exec_group %q: %w", group, err)
		}
		gidStr = g.Gid
	}
	gid, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("gid: %w", err)
	}
	return uint32(uid), uint32(gid), nil
}
