package replication

import (
	"regexp"
	"strconv"
	"strings"
)

// SlaveInfo is one replica line of a master's INFO replication section
type SlaveInfo struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	State  string `json:"state"`
	Offset int64  `json:"offset"`
	Lag    int64  `json:"lag"`
}

// Info is the parsed INFO replication section
type Info struct {
	Role            string      `json:"role"`
	ConnectedSlaves int         `json:"connected_slaves"`
	Slaves          []SlaveInfo `json:"slaves"`
	MasterReplID    string      `json:"master_replid,omitempty"`
	MasterOffset    int64       `json:"master_repl_offset"`

	// Set when Role is "slave"
	MasterHost       string `json:"master_host,omitempty"`
	MasterPort       int    `json:"master_port,omitempty"`
	MasterLinkStatus string `json:"master_link_status,omitempty"`
	SlaveOffset      int64  `json:"slave_repl_offset,omitempty"`
}

// IsMaster reports whether the instance reported role:master
func (i *Info) IsMaster() bool {
	return i.Role == "master"
}

// slaveRegex matches lines like: slave0:ip=10.0.0.2,port=6380,state=online,offset=42,lag=0
var slaveRegex = regexp.MustCompile(`^slave\d+:ip=([^,]+),port=(\d+),state=([^,]+),offset=(-?\d+),lag=(-?\d+)`)

// ParseInfo extracts the replication fields from an INFO response. Unknown
// lines and sections are ignored.
func ParseInfo(text string) *Info {
	info := &Info{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if m := slaveRegex.FindStringSubmatch(line); m != nil {
			port, _ := strconv.Atoi(m[2])
			offset, _ := strconv.ParseInt(m[4], 10, 64)
			lag, _ := strconv.ParseInt(m[5], 10, 64)
			info.Slaves = append(info.Slaves, SlaveInfo{
				IP:     m[1],
				Port:   port,
				State:  m[3],
				Offset: offset,
				Lag:    lag,
			})
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "role":
			info.Role = value
		case "connected_slaves":
			info.ConnectedSlaves, _ = strconv.Atoi(value)
		case "master_replid":
			info.MasterReplID = value
		case "master_repl_offset":
			info.MasterOffset, _ = strconv.ParseInt(value, 10, 64)
		case "master_host":
			info.MasterHost = value
		case "master_port":
			info.MasterPort, _ = strconv.Atoi(value)
		case "master_link_status":
			info.MasterLinkStatus = value
		case "slave_repl_offset":
			info.SlaveOffset, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	return info
}

// Aggregate selects how per-slave offsets are folded into one lag value
type Aggregate string

const (
	// LagMax is the lag of the slowest slave: master offset minus the
	// smallest slave offset
	LagMax Aggregate = "max"
	// LagMin is the lag of the most up-to-date slave
	LagMin Aggregate = "min"
	// LagMean is the master offset minus the mean slave offset, truncated
	LagMean Aggregate = "mean"
)

// Valid reports whether a is a known aggregate
func (a Aggregate) Valid() bool {
	switch a {
	case LagMax, LagMin, LagMean:
		return true
	}
	return false
}

// Lag computes the aggregate offset lag of info's slaves. It is 0 when
// no slave is connected and never negative.
func (a Aggregate) Lag(info *Info) int64 {
	if len(info.Slaves) == 0 {
		return 0
	}

	var offset int64
	switch a {
	case LagMin:
		offset = info.Slaves[0].Offset
		for _, s := range info.Slaves[1:] {
			offset = max(offset, s.Offset)
		}
	case LagMean:
		var sum int64
		for _, s := range info.Slaves {
			sum += s.Offset
		}
		offset = sum / int64(len(info.Slaves))
	default:
		offset = info.Slaves[0].Offset
		for _, s := range info.Slaves[1:] {
			offset = min(offset, s.Offset)
		}
	}
	return max(info.MasterOffset-offset, 0)
}
