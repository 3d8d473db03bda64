package sandbox

// prelude is run once per pooled VM at creation time, in the idiom of the
// teacher's jschallenge.NewOttoSolver bootstrap string (which seeds window/
// document/navigator globals before any challenge script runs). Here it
// seeds the pm.* surface, the expect() assertion chain, and a captured
// console, all implemented in JS on top of a handful of Go-bound
// functions (the __env*/__globals*/__coll* bindings set by Context.bind
// before each run, and __responseJSON).
const prelude = `
var __tests = [];
var __console = [];

console = {
	log:   function() { __console.push(__joinArgs(arguments)); },
	warn:  function() { __console.push("WARN: " + __joinArgs(arguments)); },
	error: function() { __console.push("ERROR: " + __joinArgs(arguments)); }
};

function __joinArgs(args) {
	var parts = [];
	for (var i = 0; i < args.length; i++) {
		var a = args[i];
		parts.push(typeof a === "string" ? a : JSON.stringify(a));
	}
	return parts.join(" ");
}

function AssertionError(message) {
	this.message = message;
	this.name = "AssertionError";
}
AssertionError.prototype = Object.create(Error.prototype);

function Expectation(value) {
	this.value = value;
	this.to = this;
	this.be = this;
}
Expectation.prototype.equal = function(expected) {
	if (this.value !== expected) {
		throw new AssertionError("expected " + JSON.stringify(this.value) + " to equal " + JSON.stringify(expected));
	}
	return this;
};
Expectation.prototype.exist = function() {
	if (this.value === undefined || this.value === null) {
		throw new AssertionError("expected value to exist");
	}
	return this;
};
Expectation.prototype.contain = function(expected) {
	var v = this.value, ok = false;
	if (typeof v === "string") {
		ok = v.indexOf(expected) !== -1;
	} else if (v && typeof v.length === "number") {
		for (var i = 0; i < v.length; i++) {
			if (v[i] === expected) { ok = true; break; }
		}
	}
	if (!ok) {
		throw new AssertionError("expected " + JSON.stringify(v) + " to contain " + JSON.stringify(expected));
	}
	return this;
};

function __pmExpect(value) {
	return new Expectation(value);
}

function __pmTest(name, fn) {
	try {
		fn();
		__tests.push({ name: name, passed: true });
	} catch (e) {
		__tests.push({ name: name, passed: false, error: (e && e.message) ? e.message : String(e) });
	}
}

var pm = {
	test: __pmTest,
	expect: __pmExpect,
	environment: {
		get:   function(k) { return __envGet(k); },
		set:   function(k, v) { __envSet(k, v); },
		unset: function(k) { __envUnset(k); }
	},
	globals: {
		get:   function(k) { return __globalsGet(k); },
		set:   function(k, v) { __globalsSet(k, v); },
		unset: function(k) { __globalsUnset(k); }
	},
	collectionVariables: {
		get:   function(k) { return __collGet(k); },
		set:   function(k, v) { __collSet(k, v); },
		unset: function(k) { __collUnset(k); }
	},
	request: {},
	response: {}
};
`
