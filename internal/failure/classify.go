package failure

import "errors"

// Classifier maps an error onto the taxonomy. The boolean reports whether it
// recognised the error; unrecognised errors fall through to Classify.
type Classifier func(err error) (Failure, bool)

// Classify returns err unchanged when it already is a Failure and otherwise
// coerces it into the general category using its own description.
// Wrapped failures are not inspected; see Unwrapping.
func Classify(err error) Failure {
	switch f := err.(type) {
	case Failure:
		return f
	case *Failure:
		if f != nil {
			return *f
		}
		return General("<nil>")
	case nil:
		return General("<nil>")
	default:
		return General(err.Error())
	}
}

// Unwrapping finds a Failure anywhere in err's chain.
func Unwrapping(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	var pf *Failure
	if errors.As(err, &pf) && pf != nil {
		return *pf, true
	}
	return Failure{}, false
}
