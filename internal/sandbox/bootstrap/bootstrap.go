// Package bootstrap renders the Python program that runs inside a sandbox
// and is the only component that ever touches untrusted grader code.
package bootstrap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

// Params parameterizes the generated bootstrap program with the in-sandbox
// paths it will see once chrooted or bind-mounted.
type Params struct {
	JudgeDir         string
	SubmissionDir    string
	PythonExecutable string
}

var program = template.Must(template.New("bootstrap").Parse(`import sys
import os
import json
import traceback
import io
import contextlib
import importlib.util

JUDGE_DIR = {{.JudgeDirJSON}}
SUBMISSION_DIR = {{.SubmissionDirJSON}}
PYTHON_EXECUTABLE = {{.PythonExecutableJSON}}


def _emit(status, score, logs):
    print(json.dumps({"status": status, "score": score, "logs": logs}, separators=(",", ":"), sort_keys=True))


def main():
    stdout_buf = io.StringIO()
    stderr_buf = io.StringIO()
    try:
        judge_script_path = os.path.join(JUDGE_DIR, "judge.py")
        if not os.path.exists(judge_script_path):
            _emit("ERROR", 0.0, "judge package must contain a 'judge.py' file")
            return

        sys.path.insert(0, JUDGE_DIR)
        try:
            spec = importlib.util.spec_from_file_location("judge", judge_script_path)
            judge_module = importlib.util.module_from_spec(spec)
            with contextlib.redirect_stdout(stdout_buf), contextlib.redirect_stderr(stderr_buf):
                spec.loader.exec_module(judge_module)

                if not hasattr(judge_module, "evaluate"):
                    raise AttributeError("judge.py must define an 'evaluate' function")

                result = judge_module.evaluate(
                    submission_path=SUBMISSION_DIR,
                    judge_data_path=JUDGE_DIR,
                    python_executable_path=PYTHON_EXECUTABLE,
                )
        finally:
            if JUDGE_DIR in sys.path:
                sys.path.remove(JUDGE_DIR)

        if not isinstance(result, dict):
            raise TypeError("evaluate() must return a dict")

        status = result.get("status", "COMPLETED")
        score = result.get("score", 0.0)
        logs = result.get("logs", "")
        logs = logs + "\n[judge stdout]:\n" + stdout_buf.getvalue() + "[judge stderr]:\n" + stderr_buf.getvalue()
        _emit(status, score, logs)
    except Exception as exc:
        tb = traceback.format_exc()
        logs = f"{type(exc).__name__}: {exc}\n{tb}"
        logs = logs + "\n[judge stdout]:\n" + stdout_buf.getvalue() + "[judge stderr]:\n" + stderr_buf.getvalue()
        _emit("ERROR", 0.0, logs)


if __name__ == "__main__":
    main()
`))

type renderVars struct {
	JudgeDirJSON         string
	SubmissionDirJSON    string
	PythonExecutableJSON string
}

// Render produces the bootstrap program source for the given in-sandbox paths.
func Render(p Params) (string, error) {
	judgeJSON, err := json.Marshal(p.JudgeDir)
	if err != nil {
		return "", fmt.Errorf("bootstrap: marshal judge dir: %w", err)
	}
	subJSON, err := json.Marshal(p.SubmissionDir)
	if err != nil {
		return "", fmt.Errorf("bootstrap: marshal submission dir: %w", err)
	}
	pyJSON, err := json.Marshal(p.PythonExecutable)
	if err != nil {
		return "", fmt.Errorf("bootstrap: marshal python executable: %w", err)
	}

	var buf bytes.Buffer
	if err := program.Execute(&buf, renderVars{
		JudgeDirJSON:         string(judgeJSON),
		SubmissionDirJSON:    string(subJSON),
		PythonExecutableJSON: string(pyJSON),
	}); err != nil {
		return "", fmt.Errorf("bootstrap: render: %w", err)
	}
	return buf.String(), nil
}
