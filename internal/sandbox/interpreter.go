package sandbox

import (
	"fmt"
	"os/exec"

	"github.com/sandrun/compute/internal/model"
)

// interpreterSpec resolves an Interpreter tag to the command line used to
// run it and the file extension the job's code is written under
// (spec §4.1 step 2).
type interpreterSpec struct {
	extension string
	command   func(codePath string, gpu *model.GPUConfig) []string
}

var interpreters = map[model.Interpreter]interpreterSpec{
	model.InterpreterPython: {
		extension: ".py",
		command:   func(codePath string, _ *model.GPUConfig) []string { return []string{"python3", codePath} },
	},
	model.InterpreterNodeJS: {
		extension: ".js",
		command:   func(codePath string, _ *model.GPUConfig) []string { return []string{"node", codePath} },
	},
	model.InterpreterRust: {
		extension: ".rs",
		command: func(codePath string, _ *model.GPUConfig) []string {
			return []string{"rustc", "--edition", "2021", "-O", "-o", codePath + ".bin", codePath}
		},
	},
	model.InterpreterGo: {
		extension: ".go",
		command:   func(codePath string, _ *model.GPUConfig) []string { return []string{"go", "run", codePath} },
	},
	model.InterpreterCPP: {
		extension: ".cpp",
		command: func(codePath string, _ *model.GPUConfig) []string {
			return []string{"g++", "-O2", "-std=c++17", "-o", codePath + ".bin", codePath}
		},
	},
	model.InterpreterCUDA: {
		extension: ".cu",
		command: func(codePath string, gpu *model.GPUConfig) []string {
			args := []string{"nvcc", "-O2", "-o", codePath + ".bin", codePath}
			if gpu != nil && len(gpu.DeviceIDs) > 0 {
				args = append(args, fmt.Sprintf("-arch=sm_%d", gpu.DeviceIDs[0]))
			}
			return args
		},
	},
}

// resolveInterpreter looks up tag, failing with ErrInterpreterUnavailable
// before anything is spawned (spec §4.1 step 2) if the tag is unknown or
// its binary is not on PATH.
func resolveInterpreter(tag model.Interpreter, codePath string, gpu *model.GPUConfig) ([]string, error) {
	spec, ok := interpreters[tag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown interpreter tag %q", model.ErrInterpreterUnavailable, tag)
	}
	argv := spec.command(codePath, gpu)
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("%w: %s not found on PATH: %v", model.ErrInterpreterUnavailable, argv[0], err)
	}
	return argv, nil
}

// codeFileExtension returns the file extension a job's code must be
// written under for tag, used by the working-directory setup step.
func codeFileExtension(tag model.Interpreter) (string, bool) {
	spec, ok := interpreters[tag]
	return spec.extension, ok
}
