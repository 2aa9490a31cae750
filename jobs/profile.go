package jobs

import (
	"bytes"
	"context"
	"fmt"
	"runtime/pprof"
	"sync"

	"github.com/google/pprof/profile"
	"github.com/google/uuid"
	"github.com/pdoflow/pdoflow/pg/flowdb"
)

// profileLabel tags every sample taken while a unit runs so the reducer can
// separate its samples from unrelated goroutines.
const profileLabel = "pdoflow_job"

// The CPU profiler is process-global. When two units race for it, the loser
// simply runs unprofiled; the sampler is probabilistic anyway.
var profilerMu sync.Mutex

// FunctionSample aggregates one function's share of a unit's profile.
// Under a sampling profiler, sample counts stand in for call counts.
type FunctionSample struct {
	Filename    string
	Line        int32
	Name        string
	FlatSamples int64
	CumSamples  int64
	FlatTime    float64 // seconds
	CumTime     float64 // seconds
}

// CallEdge is one observed caller->callee edge. Caller and Callee index
// into ProfileData.Functions.
type CallEdge struct {
	Caller  int
	Callee  int
	Samples int64
}

// ProfileData is a fully reduced execution profile, ready to persist.
type ProfileData struct {
	TotalSamples int64
	TotalTime    float64 // seconds
	Functions    []FunctionSample
	Edges        []CallEdge
}

// runProfiled executes fn under the CPU profiler. If the profiler is
// already held by another goroutine, fn runs unprofiled. userErr is fn's
// own result; profErr reports a sampling or reduction failure, which never
// affects the unit outcome.
func runProfiled(ctx context.Context, jobID uuid.UUID, fn func(ctx context.Context) error) (prof *ProfileData, profErr error, userErr error) {
	if !profilerMu.TryLock() {
		return nil, nil, runLabeled(ctx, jobID, fn)
	}

	var buf bytes.Buffer
	if err := pprof.StartCPUProfile(&buf); err != nil {
		profilerMu.Unlock()
		return nil, fmt.Errorf("failed to start profiler: %w", err), runLabeled(ctx, jobID, fn)
	}

	userErr = runLabeled(ctx, jobID, fn)
	pprof.StopCPUProfile()
	profilerMu.Unlock()

	prof, profErr = reduceProfile(buf.Bytes(), jobID)
	return prof, profErr, userErr
}

func runLabeled(ctx context.Context, jobID uuid.UUID, fn func(ctx context.Context) error) error {
	var err error
	pprof.Do(ctx, pprof.Labels(profileLabel, jobID.String()), func(ctx context.Context) {
		err = fn(ctx)
	})
	return err
}

type functionKey struct {
	Filename string
	Line     int32
	Name     string
}

// reduceProfile parses the raw pprof protobuf and folds the samples carrying
// jobID's label into per-function stats and a call graph.
func reduceProfile(data []byte, jobID uuid.UUID) (*ProfileData, error) {
	parsed, err := profile.ParseData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	countIdx, timeIdx := -1, -1
	for i, st := range parsed.SampleType {
		switch st.Type {
		case "samples":
			countIdx = i
		case "cpu":
			timeIdx = i
		}
	}
	if countIdx < 0 || timeIdx < 0 {
		return nil, fmt.Errorf("profile is missing samples/cpu value types")
	}

	out := &ProfileData{}
	index := make(map[functionKey]int)
	edgeIndex := make(map[[2]int]int)
	wanted := jobID.String()

	intern := func(key functionKey) int {
		if i, ok := index[key]; ok {
			return i
		}
		i := len(out.Functions)
		index[key] = i
		out.Functions = append(out.Functions, FunctionSample{
			Filename: key.Filename,
			Line:     key.Line,
			Name:     key.Name,
		})
		return i
	}

	for _, sample := range parsed.Sample {
		if !hasLabel(sample, profileLabel, wanted) {
			continue
		}
		count := sample.Value[countIdx]
		seconds := float64(sample.Value[timeIdx]) / 1e9
		out.TotalSamples += count
		out.TotalTime += seconds

		// Flatten the stack leaf-first, expanding inlined frames.
		var frames []int
		for _, loc := range sample.Location {
			for _, line := range loc.Line {
				if line.Function == nil {
					continue
				}
				frames = append(frames, intern(functionKey{
					Filename: line.Function.Filename,
					Line:     int32(line.Function.StartLine),
					Name:     line.Function.Name,
				}))
			}
		}
		if len(frames) == 0 {
			continue
		}

		leaf := &out.Functions[frames[0]]
		leaf.FlatSamples += count
		leaf.FlatTime += seconds

		// Cumulative: each function once per sample, even when recursive.
		seen := make(map[int]bool, len(frames))
		for _, f := range frames {
			if seen[f] {
				continue
			}
			seen[f] = true
			fn := &out.Functions[f]
			fn.CumSamples += count
			fn.CumTime += seconds
		}

		for i := 0; i+1 < len(frames); i++ {
			key := [2]int{frames[i+1], frames[i]} // caller -> callee
			ei, ok := edgeIndex[key]
			if !ok {
				ei = len(out.Edges)
				edgeIndex[key] = ei
				out.Edges = append(out.Edges, CallEdge{Caller: key[0], Callee: key[1]})
			}
			out.Edges[ei].Samples += count
		}
	}

	return out, nil
}

func hasLabel(sample *profile.Sample, key, value string) bool {
	for _, v := range sample.Label[key] {
		if v == value {
			return true
		}
	}
	return false
}

// persistProfile writes a reduced profile inside the caller's transaction.
// FunctionDefs are shared rows deduped on (filename, line, name).
func persistProfile(ctx context.Context, q flowdb.Querier, jobRecordID uuid.UUID, prof *ProfileData) error {
	profileID, err := q.InsertJobProfile(ctx, flowdb.InsertJobProfileParams{
		JobRecordID: jobRecordID,
		TotalCalls:  prof.TotalSamples,
		TotalTime:   prof.TotalTime,
	})
	if err != nil {
		return fmt.Errorf("failed to insert job profile: %w", err)
	}

	functionIDs := make([]uuid.UUID, len(prof.Functions))
	for i, fn := range prof.Functions {
		functionIDs[i], err = q.UpsertFunctionDef(ctx, flowdb.UpsertFunctionDefParams{
			Filename:     fn.Filename,
			LineNumber:   fn.Line,
			FunctionName: fn.Name,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert function %s: %w", fn.Name, err)
		}
		err = q.InsertFunctionStat(ctx, flowdb.InsertFunctionStatParams{
			ProfileID:      profileID,
			FunctionID:     functionIDs[i],
			NCalls:         fn.CumSamples,
			PrimitiveCalls: fn.FlatSamples,
			TotalTime:      fn.FlatTime,
			CumulativeTime: fn.CumTime,
		})
		if err != nil {
			return fmt.Errorf("failed to insert stats for function %s: %w", fn.Name, err)
		}
	}

	for _, edge := range prof.Edges {
		err = q.InsertFunctionCallEdge(ctx, flowdb.InsertFunctionCallEdgeParams{
			ProfileID: profileID,
			CallerID:  functionIDs[edge.Caller],
			CalleeID:  functionIDs[edge.Callee],
			NCalls:    edge.Samples,
		})
		if err != nil {
			return fmt.Errorf("failed to insert call edge: %w", err)
		}
	}
	return nil
}
