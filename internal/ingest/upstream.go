package ingest

import (
	"strconv"
	"strings"

	"github.com/tinytelemetry/accesstats/internal/model"
)

const (
	// GroupSeparator separates servers contacted in turn.
	GroupSeparator = ", "
	// RedirectSeparator separates servers within one internal redirect chain.
	RedirectSeparator = " : "
)

// parseUpstream decodes the five upstream columns. The address column
// defines the attempt list; the other columns are aligned by position and
// positions they do not reach are absent.
func parseUpstream(addr, status, response, connect, header string) (*model.Upstream, error) {
	groups := strings.Split(addr, GroupSeparator)
	up := &model.Upstream{ServersContacted: len(groups)}

	var addrs []string
	for _, g := range groups {
		chain := strings.Split(g, RedirectSeparator)
		if len(chain) > 1 {
			up.InternalRedirects++
		}
		addrs = append(addrs, chain...)
	}

	statuses := flatten(status)
	responses := flatten(response)
	connects := flatten(connect)
	headers := flatten(header)

	up.Attempts = make([]model.UpstreamAttempt, len(addrs))
	for i, a := range addrs {
		at := model.UpstreamAttempt{Address: a}
		var err error
		if at.Status, err = upstreamStatus(statuses, i); err != nil {
			return nil, err
		}
		if at.ResponseTime, err = upstreamTime(responses, i, posUpstreamResponseTime); err != nil {
			return nil, err
		}
		if at.ConnectTime, err = upstreamTime(connects, i, posUpstreamConnectTime); err != nil {
			return nil, err
		}
		if at.HeaderTime, err = upstreamTime(headers, i, posUpstreamHeaderTime); err != nil {
			return nil, err
		}
		up.Attempts[i] = at
	}
	return up, nil
}

func flatten(col string) []string {
	var out []string
	for _, g := range strings.Split(col, GroupSeparator) {
		out = append(out, strings.Split(g, RedirectSeparator)...)
	}
	return out
}

func absent(values []string, i int) bool {
	return i >= len(values) || values[i] == model.AbsentField || values[i] == ""
}

func upstreamStatus(values []string, i int) (int, error) {
	if absent(values, i) {
		return 0, nil
	}
	v, err := strconv.Atoi(values[i])
	if err != nil {
		return 0, &ParseError{Field: fieldNames[posUpstreamStatus], Value: values[i], Err: err}
	}
	return v, nil
}

func upstreamTime(values []string, i, pos int) (float64, error) {
	if absent(values, i) {
		return 0, nil
	}
	v, err := strconv.ParseFloat(values[i], 64)
	if err != nil {
		return 0, &ParseError{Field: fieldNames[pos], Value: values[i], Err: err}
	}
	return v, nil
}
