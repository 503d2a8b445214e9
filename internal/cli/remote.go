package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"platesolver/internal/errors"
	"platesolver/internal/extract"
	"platesolver/internal/fsutil"
	"platesolver/internal/grpcserver"
	"platesolver/internal/pipeline"
	"platesolver/internal/solver"
)

// remoteResult is the Solve response document.
type remoteResult struct {
	Job      pipeline.Job     `json:"job"`
	Status   string           `json:"status"`
	Reason   string           `json:"reason"`
	Error    string           `json:"error"`
	Meta     map[string]any   `json:"meta"`
	Solution *solver.Solution `json:"solution"`
}

// solveRemote sends one solve to a platesolver gRPC server. Star lists are
// read here and sent inline; images are sent by absolute path and must be
// readable by the server. The solution of an inline star list is written
// next to it locally.
func (r *Root) solveRemote(ctx context.Context, addr string, dial grpcserver.DialOptions, input, output string, params pipeline.Params) (pipeline.Result, error) {
	req := grpcserver.SolveRequest{Params: params, Output: output}
	inline := fsutil.IsStarList(input)
	if inline {
		f, err := os.Open(input)
		if err != nil {
			return pipeline.Result{}, errors.Wrapf(errors.Mark(err, errors.ErrInput), "open %s", input)
		}
		stars, err := extract.ReadStarList(f)
		f.Close()
		if err != nil {
			return pipeline.Result{}, err
		}
		req.Stars = stars
		req.Output = ""
	} else {
		abs, err := filepath.Abs(input)
		if err != nil {
			return pipeline.Result{}, errors.Wrapf(errors.Mark(err, errors.ErrInput), "resolve %s", input)
		}
		req.InputPath = abs
	}

	conn, err := grpcserver.Dial(addr, dial)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer conn.Close()

	in, err := toStruct(req)
	if err != nil {
		return pipeline.Result{}, err
	}
	r.log.Debug("remote solve", "addr", addr, "input", input, "inline_stars", len(req.Stars))
	resp, err := grpcserver.NewClient(conn).Solve(ctx, in)
	if err != nil {
		if status.Code(err) == codes.InvalidArgument {
			err = errors.Mark(err, errors.ErrInput)
		}
		return pipeline.Result{}, errors.Wrapf(err, "remote solve on %s", addr)
	}

	var doc remoteResult
	data, err := resp.MarshalJSON()
	if err != nil {
		return pipeline.Result{}, errors.Wrap(err, "decode response")
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return pipeline.Result{}, errors.Wrap(err, "decode response")
	}

	res := pipeline.Result{Job: doc.Job, Meta: doc.Meta}
	res.Job.InputPath = input
	planned, _ := doc.Meta["planned"].(float64)
	res.Solve = &solver.Result{Solution: doc.Solution, Planned: int(planned)}
	if doc.Status != "completed" {
		res.Error = errors.FromReason(doc.Reason, doc.Error)
		return res, res.Error
	}
	if doc.Solution == nil || doc.Solution.WCS == nil {
		res.Error = errors.New("remote solve completed without a solution")
		return res, res.Error
	}

	if inline {
		path := output
		if path == "" {
			path = fsutil.SidecarPath(input, ".wcs.json")
		}
		if err := pipeline.WriteSolution(path, doc.Solution); err != nil {
			return res, err
		}
		if res.Meta == nil {
			res.Meta = map[string]any{}
		}
		res.Meta["output"] = path
	}
	return res, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return out, nil
}
