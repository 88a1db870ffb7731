// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package balancer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"

	log "github.com/golang/glog"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>strata datanode disk balancer</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding-left: 8px;
      padding-right: 8px;
      padding-top: 4px;
      padding-bottom: 4px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}
  </style>
</head>

<body>

<h3>Disk balancer on {{.NodeUUID}}</h3>

<table class="status">
  <tr><td>State</td><td>{{.Status.Result}}</td></tr>
  <tr><td>Plan ID</td><td>{{.Status.PlanID}}</td></tr>
  <tr><td>Avg move latency (ms)</td><td>{{.AvgMoveMs}}</td></tr>
  <tr><td>Free memory</td><td>{{.FreeMem}}</td></tr>
  <tr><td>Total memory</td><td>{{.TotalMem}}</td></tr>
  <tr><td>Generated</td><td>{{.Now}}</td></tr>
</table>

<p/>

<table class="status">
  <caption>Work items</caption>
  <tr>
    <th>Source</th>
    <th>Destination</th>
    <th>To copy</th>
    <th>Copied</th>
    <th>Blocks</th>
    <th>Errors</th>
    <th>Seconds</th>
    <th>Message</th>
  </tr>
  {{range .Status.Entries}}
  <tr>
    <td>{{.SourcePath}}</td>
    <td>{{.DestPath}}</td>
    <td>{{bytes .Work.BytesToCopy}}</td>
    <td>{{bytes .Work.BytesCopied}}</td>
    <td>{{.Work.BlocksCopied}}</td>
    <td>{{.Work.ErrorCount}}</td>
    <td>{{.Work.SecondsElapsed}}</td>
    <td>{{.Work.ErrMsg}}</td>
  </tr>
  {{end}}
</table>

</body>
</html>
`

var statusTemplate = template.Must(template.New("status").Funcs(template.FuncMap{
	"bytes": func(n int64) string { return humanize.IBytes(uint64(n)) },
}).Parse(statusTemplateStr))

// StatusData is what the status page renders.
type StatusData struct {
	JobName   string
	NodeUUID  string
	Status    *WorkStatus
	AvgMoveMs int
	FreeMem   string
	TotalMem  string
	Now       time.Time
}

// avgMoveLatencyMs reads the move-latency summary back out of the metric.
func avgMoveLatencyMs() int {
	var value dto.Metric
	if metricMoveLatency.Write(&value) != nil {
		return 0
	}
	if value.Summary.GetSampleCount() == 0 {
		return 0
	}
	return int(value.Summary.GetSampleSum() / float64(value.Summary.GetSampleCount()) * 1000)
}

// genStatus generates status data for the page.
func (b *Balancer) genStatus() StatusData {
	// Pull memory info.
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	status, err := b.QueryWorkStatus()
	if status == nil {
		// Disabled balancer; render an empty table rather than failing the
		// whole page.
		log.V(2).Infof("balancer status unavailable: %s", err)
		status = &WorkStatus{Result: NoPlan}
	}

	return StatusData{
		JobName:   "datanode",
		NodeUUID:  b.nodeUUID,
		Status:    status,
		AvgMoveMs: avgMoveLatencyMs(),
		FreeMem:   humanize.IBytes(mem.ActualFree),
		TotalMem:  humanize.IBytes(mem.Total),
		Now:       time.Now(),
	}
}

// StatusHandler serves the balancer status page, as HTML or JSON depending
// on the Accept header.
func (b *Balancer) StatusHandler(w http.ResponseWriter, r *http.Request) {
	data := b.genStatus()

	var buf bytes.Buffer
	if r.Header.Get("Accept") == "application/json" {
		if err := json.NewEncoder(&buf).Encode(data); err != nil {
			e := fmt.Sprintf("failed to encode json status data: %s", err)
			log.Errorf(e)
			http.Error(w, e, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
	} else {
		if err := statusTemplate.Execute(&buf, data); err != nil {
			e := fmt.Sprintf("failed to encode html status data: %s", err)
			log.Errorf(e)
			http.Error(w, e, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
	}
	w.Write(buf.Bytes())
}
