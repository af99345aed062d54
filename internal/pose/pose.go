// Package pose holds the keypoint result model returned to capture clients
// and the analyzers that produce it.
package pose

import "math"

// ConfidenceThreshold is the minimum confidence a keypoint needs to be reported.
const ConfidenceThreshold = 0.5

// JointNames are the 17 COCO keypoints, in model output order.
var JointNames = [17]string{
	"nose", "left_eye", "right_eye", "left_ear", "right_ear",
	"left_shoulder", "right_shoulder", "left_elbow", "right_elbow",
	"left_wrist", "right_wrist", "left_hip", "right_hip",
	"left_knee", "right_knee", "left_ankle", "right_ankle",
}

// Joint is one detected keypoint. X and Y are normalized to [0,1].
type Joint struct {
	Name       string  `json:"name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// Metrics are scalar movement measurements derived from the joints.
type Metrics struct {
	LeanAngle     float64 `json:"leanAngle"`
	LimbSpeed     float64 `json:"limbSpeed"`
	RangeOfMotion float64 `json:"rangeOfMotion"`
}

// Result is the analysis of one frame.
type Result struct {
	Joints  []Joint `json:"joints"`
	Metrics Metrics `json:"metrics"`
}

// Empty is returned when nothing was detected.
func Empty() Result {
	return Result{Joints: []Joint{}}
}

// FilterJoints keeps joints whose confidence is strictly above min. A nil input yields an
// empty, non-nil slice so results always encode joints as an array.
func FilterJoints(joints []Joint, min float64) []Joint {
	out := make([]Joint, 0, len(joints))
	for _, j := range joints {
		if j.Confidence > min {
			out = append(out, j)
		}
	}
	return out
}

// FromKeypoints maps raw [x, y, confidence] triples in COCO order to named
// joints. Extra keypoints and short triples are ignored.
func FromKeypoints(kps [][]float64) []Joint {
	joints := make([]Joint, 0, len(kps))
	for i, kp := range kps {
		if i >= len(JointNames) || len(kp) < 3 {
			continue
		}
		joints = append(joints, Joint{Name: JointNames[i], X: kp[0], Y: kp[1], Confidence: kp[2]})
	}
	return joints
}

// LeanAngle is the absolute angle in degrees between vertical and the line
// from left hip to left shoulder. Zero when either joint is missing or they
// share a row.
func LeanAngle(joints []Joint) float64 {
	var shoulder, hip *Joint
	for i := range joints {
		switch joints[i].Name {
		case "left_shoulder":
			shoulder = &joints[i]
		case "left_hip":
			hip = &joints[i]
		}
	}
	if shoulder == nil || hip == nil {
		return 0
	}
	dx := shoulder.X - hip.X
	dy := shoulder.Y - hip.Y
	if dy == 0 {
		return 0
	}
	return math.Abs(math.Atan2(dx, dy) * 180 / math.Pi)
}

// Shape normalizes an analyzer result: low-confidence joints are removed and
// the lean angle is derived when the analyzer did not supply one.
func Shape(r Result) Result {
	out := Result{
		Joints:  FilterJoints(r.Joints, ConfidenceThreshold),
		Metrics: r.Metrics,
	}
	if out.Metrics.LeanAngle == 0 {
		out.Metrics.LeanAngle = LeanAngle(out.Joints)
	}
	return out
}
